// Package s7link provides Siemens S7 connectivity over ISO-on-TCP for
// S7-300, S7-400, S7-1200 and S7-1500 PLCs.
//
// Key Features:
//   - Typed Operations: read and write data block and flag (merker) memory
//     as bits, bytes, words, double words, REALs and S7 strings, with area
//     bounds enforced before any exchange.
//   - Absolute Operands: text commands address memory in the notation PLC
//     programmers use (DB5.DBW10, DB5.DBX2.0, MW20), executed synchronously
//     via Dispatch or queued via Send.
//   - Bit Safety: single-bit writes read-modify-write the surrounding byte
//     under the operation mutex, so neighbouring points survive.
//   - Lifecycle Management: tracks the connection state, reconnects
//     automatically after link loss and probes liveness by querying the CPU
//     run state.
//
// Connection Establishment:
//   - Create a ConnectionConfig with `NewConnectionConfig()` and the desired
//     options.
//   - Create the connection with `NewConnection`.
//   - Call `Open` to establish the link.
//
// Usage Example:
//
//	func main() {
//	    // ...
//	    cfg, err := s7link.NewConnectionConfig("192.168.0.1", 102,
//	        s7link.WithRack(0),
//	        s7link.WithSlot(2),
//	        s7link.WithHeartbeatInterval(10*time.Second),
//	    )
//	    // ... handle error ...
//
//	    conn, err := s7link.NewConnection(ctx, cfg)
//	    // ... handle error ...
//	    defer conn.Close()
//
//	    err = conn.Open(ctx)
//	    // ... handle error ...
//
//	    speed, err := conn.ReadDBFloat32(5, 12)
//	    // ... handle error ...
//	    fmt.Println("speed:", speed)
//
//	    resp, err := conn.Dispatch(ctx, "READ DB5.DBW10 4")
//	    // ... handle error ...
//	    values, _ := resp.Param(s7link.ParamValues)
//	    fmt.Println("words:", values)
//	}
package s7link
