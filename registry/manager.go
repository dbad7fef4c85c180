package registry

import (
	"errors"
	"fmt"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-fieldlink/link"
	"github.com/arloliu/go-fieldlink/logger"
)

// Manager holds the named active connections of a process. It carries no
// package-level state; callers create a manager and pass it to whoever
// needs it. Safe for concurrent use.
type Manager struct {
	conns  *xsync.MapOf[string, link.Connection]
	logger logger.Logger
}

// NewManager creates an empty manager. A nil logger falls back to the global
// logger instance.
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Manager{
		conns:  xsync.NewMapOf[string, link.Connection](),
		logger: l,
	}
}

// Add stores conn under name. Names are unique; adding a second connection
// under a taken name fails and leaves the stored one in place.
func (m *Manager) Add(name string, conn link.Connection) error {
	if name == "" {
		return fmt.Errorf("%w: empty connection name", link.ErrConfiguration)
	}
	if conn == nil {
		return fmt.Errorf("%w: nil connection %q", link.ErrConfiguration, name)
	}

	if _, loaded := m.conns.LoadOrStore(name, conn); loaded {
		return fmt.Errorf("%w: connection %q already exists", link.ErrConfiguration, name)
	}

	return nil
}

// Get returns the connection stored under name.
func (m *Manager) Get(name string) (link.Connection, bool) {
	return m.conns.Load(name)
}

// Remove closes the connection stored under name and drops it from the
// manager. Removing an unknown name is a no-op.
func (m *Manager) Remove(name string) error {
	conn, ok := m.conns.LoadAndDelete(name)
	if !ok {
		return nil
	}

	if err := conn.Close(); err != nil {
		m.logger.Error("failed to close connection", "name", name, "error", err)
		return err
	}

	return nil
}

// CloseAll closes every held connection and empties the manager. It keeps
// going after individual close failures and returns them joined, each one
// annotated with the connection name.
func (m *Manager) CloseAll() error {
	var errs []error

	m.conns.Range(func(name string, conn link.Connection) bool {
		if err := conn.Close(); err != nil {
			m.logger.Error("failed to close connection", "name", name, "error", err)
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}

		return true
	})
	m.conns.Clear()

	return errors.Join(errs...)
}

// Names returns the names of the held connections in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, m.conns.Size())
	m.conns.Range(func(name string, _ link.Connection) bool {
		names = append(names, name)

		return true
	})
	slices.Sort(names)

	return names
}

// Len returns the number of held connections.
func (m *Manager) Len() int {
	return m.conns.Size()
}
