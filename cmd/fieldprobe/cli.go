package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-fieldlink/link"
	"github.com/arloliu/go-fieldlink/logger"
	"github.com/arloliu/go-fieldlink/registry"
)

// paramError is the parameter every dispatcher reports failures in.
const paramError = "error"

var (
	cfgFile   string
	appConfig *Config
	catalog   *registry.Catalog
)

var rootCmd = &cobra.Command{
	Use:   "fieldprobe",
	Short: "Field device connectivity probe",
	Long: `fieldprobe opens the connections described in its configuration file and
drives them from the command line: check that a device answers, execute
one-line commands and watch state changes and inbound messages.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		catalog = registry.NewCatalog()
		if err := registry.RegisterBuiltins(catalog); err != nil {
			return err
		}

		// version, help and protocols run without a configuration
		switch cmd.Name() {
		case "version", "help", "protocols":
			return nil
		}

		var err error
		appConfig, err = LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		logger.SetLevel(appConfig.logLevel())

		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <name>",
	Short: "Open a configured connection and report its state",
	Long: `open builds the named connection from the configuration, opens it and
reports how long the device took to answer. The connection is closed again
before the command returns.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		conn, err := buildConnection(ctx, args[0])
		if err != nil {
			return err
		}
		defer conn.Close()

		start := time.Now()
		if err := conn.Open(ctx); err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}

		fmt.Printf("%s: %s after %s\n", args[0], conn.State(), time.Since(start).Round(time.Millisecond))

		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <name> <command>...",
	Short: "Execute one command on a configured connection",
	Long: `send opens the named connection, queues the command and prints the
response. Command tokens after the name are joined with spaces, so quoting
the whole command is optional:

  fieldprobe send plc-1 READ DB5.DBW10 4
  fieldprobe send meter-7 "READ_FLOAT 200 ABCD"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		name := args[0]
		command := strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		conn, err := buildConnection(ctx, name)
		if err != nil {
			return err
		}
		defer conn.Close()

		msg := link.NewCommand(command)

		// responses reference the command; unreferenced inbound traffic on
		// raw links passes as the best available notion of a reply
		responses := make(chan *link.Message, 1)
		conn.AddMessageHandler(func(_ link.Connection, m *link.Message) {
			if ref, ok := m.Ref(); ok && ref != msg.ID() {
				return
			}
			select {
			case responses <- m:
			default:
			}
		})

		if err := conn.Open(ctx); err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}

		if err := conn.Send(msg); err != nil {
			return fmt.Errorf("send: %w", err)
		}

		select {
		case resp := <-responses:
			fmt.Println(formatMessage(resp))
			if errText, ok := resp.Param(paramError); ok {
				return fmt.Errorf("command failed: %s", errText)
			}

			return nil

		case <-ctx.Done():
			return fmt.Errorf("no response within %s", timeout)
		}
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [name]...",
	Short: "Open connections and print their state changes and messages",
	Long: `watch opens the named connections, or every configured one when no name
is given, and prints each state change and delivered message until
interrupted. Links that fail to open stay under supervision, so a device
coming up later shows as a state change.`,
	RunE: func(_ *cobra.Command, args []string) error {
		names := args
		if len(names) == 0 {
			names = appConfig.Names()
		}
		if len(names) == 0 {
			return errors.New("no connections configured")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		manager := registry.NewManager(logger.GetLogger())
		defer manager.CloseAll()

		for _, name := range names {
			conn, err := buildConnection(ctx, name)
			if err != nil {
				return err
			}
			if err := manager.Add(name, conn); err != nil {
				_ = conn.Close()
				return err
			}

			watchConnection(name, conn)
		}

		for _, name := range manager.Names() {
			conn, _ := manager.Get(name)
			if err := conn.Open(ctx); err != nil {
				fmt.Printf("%s  %s: open failed: %v\n", timestamp(), name, err)
			}
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		sig := <-sigChan
		fmt.Printf("%s  received %s, closing %d connection(s)\n", timestamp(), sig, manager.Len())

		return manager.CloseAll()
	},
}

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "List the supported protocols",
	Run: func(_ *cobra.Command, _ []string) {
		for _, protocol := range catalog.Protocols() {
			fmt.Println(protocol)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("fieldprobe version %s\n", Version)
		fmt.Printf("  commit: %s\n", GitCommit)
		fmt.Printf("  built:  %s\n", BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file path")

	openCmd.Flags().DurationP("timeout", "t", 10*time.Second, "time to wait for the link to come up")
	sendCmd.Flags().DurationP("timeout", "t", 10*time.Second, "time to wait for the response")

	rootCmd.AddCommand(
		openCmd,
		sendCmd,
		watchCmd,
		protocolsCmd,
		versionCmd,
	)
}

// buildConnection constructs the named connection from its spec. The
// connection is not opened.
func buildConnection(ctx context.Context, name string) (link.Connection, error) {
	spec, err := appConfig.Spec(name)
	if err != nil {
		return nil, err
	}

	cfg, err := spec.connectionConfig()
	if err != nil {
		return nil, err
	}

	return catalog.Build(ctx, spec.Protocol, cfg)
}

func watchConnection(name string, conn link.Connection) {
	conn.AddConnStateChangeHandler(func(_ link.Connection, prev, cur link.ConnState) {
		fmt.Printf("%s  %s: state %s -> %s\n", timestamp(), name, prev, cur)
	})
	conn.AddMessageHandler(func(_ link.Connection, msg *link.Message) {
		fmt.Printf("%s  %s: %s\n", timestamp(), name, formatMessage(msg))
	})
}

func formatMessage(msg *link.Message) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s", msg.Kind(), msg.Command())
	for key, value := range msg.Params() {
		if key == link.ParamRef {
			continue
		}
		fmt.Fprintf(&b, " %s=%q", key, value)
	}

	return b.String()
}

func timestamp() string {
	return time.Now().Format("15:04:05.000")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
