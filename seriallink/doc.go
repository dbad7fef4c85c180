// Package seriallink provides serial (RS-232/RS-485/USB-CDC) connections for
// field devices that speak line-oriented or raw byte protocols, such as
// balances, barcode readers, environmental sensors and legacy instruments.
//
// Key Features:
//   - Port Management: opens the device with configurable baud rate, data
//     bits, stop bits and parity via goburrow/serial.
//   - Polling Receiver: reads with a short timeout so that close, shutdown
//     and reconfiguration are observed promptly on a quiet line.
//   - Frame Codecs: terminator-based framing for text protocols; hex and raw
//     payloads frame one port read as one message.
//   - Lifecycle Management: tracks the connection state, reopens the port
//     automatically after loss (unplugged adapters) and probes liveness via
//     heartbeats.
//
// Usage Example:
//
//	func main() {
//	    // ...
//	    cfg, err := seriallink.NewConnectionConfig("/dev/ttyUSB0",
//	        seriallink.WithBaudRate(19200),
//	        seriallink.WithTerminator(codec.CR),
//	    )
//	    // ... handle error ...
//
//	    conn, err := seriallink.NewConnection(ctx, cfg)
//	    // ... handle error ...
//	    defer conn.Close()
//
//	    conn.AddMessageHandler(func(_ link.Connection, msg *link.Message) {
//	        fmt.Println("scale reading:", msg.Command())
//	    })
//
//	    err = conn.Open(ctx)
//	    // ... handle error ...
//	}
package seriallink
