// Package socketlink provides TCP and UDP connections for field devices that
// speak line-oriented or packet-oriented byte protocols over sockets, such as
// barcode scanners, weighing scales, sensor gateways and lab instruments.
//
// Key Features:
//   - Active and Passive TCP: dials a remote device, or listens and serves one
//     peer at a time on a local port.
//   - Connected UDP: exchanges datagrams with a single remote endpoint, one
//     message per datagram.
//   - Frame Codecs: terminator-based framing for line protocols and packet
//     framing for datagram protocols, with text, hex and raw payload formats.
//   - Lifecycle Management: tracks the connection state, reconnects
//     automatically after link loss and probes liveness via heartbeats.
//   - Ordered Delivery: inbound messages reach registered handlers in the
//     order they arrived on the wire.
//
// Connection Establishment:
//   - Create a ConnectionConfig with `NewConnectionConfig()` and the desired
//     options.
//   - Create the connection with `NewTCPConnection` or `NewUDPConnection`.
//   - Call `Open` to establish the link.
//
// Usage Example:
//
//	func main() {
//	    // ...
//	    cfg, err := socketlink.NewConnectionConfig("192.168.1.50", 9100,
//	        socketlink.WithActive(),
//	        socketlink.WithTerminator(codec.CRLF),
//	        socketlink.WithReconnectInterval(5*time.Second),
//	    )
//	    // ... handle error ...
//
//	    conn, err := socketlink.NewTCPConnection(ctx, cfg)
//	    // ... handle error ...
//	    defer conn.Close()
//
//	    conn.AddMessageHandler(func(_ link.Connection, msg *link.Message) {
//	        fmt.Println("device says:", msg.Command())
//	    })
//
//	    err = conn.Open(ctx)
//	    // ... handle error ...
//
//	    err = conn.Send(link.NewCommand("MEAS:VOLT?"))
//	    // ... handle error ...
//	}
package socketlink
