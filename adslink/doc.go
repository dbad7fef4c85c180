// Package adslink provides Beckhoff TwinCAT connectivity over ADS for
// TwinCAT 2 and TwinCAT 3 runtimes.
//
// Key Features:
//   - Symbolic Operations: read and write PLC variables by their full path
//     (MAIN.counter, GVL.Pump.Running) as BOOL, INT, DINT, REAL, LREAL or
//     raw bytes, with no address bookkeeping on the caller's side.
//   - Text Commands: the same operations are available as one-line commands
//     (READ_REAL MAIN.speed), executed synchronously via Dispatch or queued
//     via Send.
//   - Lifecycle Management: tracks the connection state, reconnects
//     automatically after link loss and probes liveness by reading the ADS
//     device state.
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
//	    cfg, err := adslink.NewConnectionConfig("192.168.0.10", 48898,
//	        adslink.WithHeartbeatInterval(10*time.Second),
//	    )
//	    // ... handle error ...
//
//	    conn, err := adslink.NewConnection(ctx, cfg)
//	    // ... handle error ...
//	    defer conn.Close()
//
//	    err = conn.Open(ctx)
//	    // ... handle error ...
//
//	    speed, err := conn.ReadFloat32(ctx, "MAIN.speed")
//	    // ... handle error ...
//	    fmt.Println("speed:", speed)
//
//	    resp, err := conn.Dispatch(ctx, "READ_DINT MAIN.counter")
//	    // ... handle error ...
//	    value, _ := resp.Param(adslink.ParamValue)
//	    fmt.Println("counter:", value)
//	}
package adslink
