// Package modbuslink provides Modbus-TCP connectivity for field devices:
// a master connection for talking to PLCs, meters and remote I/O, and an
// outstation for serving the four Modbus address spaces to remote masters.
//
// Key Features:
//   - Typed Operations: read and write coils, discrete inputs, holding and
//     input registers with protocol limits enforced before any exchange.
//   - Float Mapping: 32-bit floats across register pairs in all four byte
//     orders (ABCD, BADC, CDAB, DCBA), symmetric for encode and decode.
//   - Text Commands: a small command grammar (READ_HOLDING 100 4,
//     WRITE_FLOAT 200 3.14) executed synchronously via Dispatch or queued
//     via Send, for gateways and CLIs that move commands as strings.
//   - Read Cache: optional TTL cache that collapses bursts of identical
//     polls into one exchange, dropped on every reconnect and write.
//   - Outstation: a Modbus slave whose register map the process owns;
//     writes performed by remote masters surface as event messages.
//   - Lifecycle Management: tracks the connection state, reconnects
//     automatically after link loss and probes liveness via heartbeats.
//
// Connection Establishment:
//   - Create a ConnectionConfig with `NewConnectionConfig()` and the desired
//     options.
//   - Create the connection with `NewConnection` (master) or `NewOutstation`
//     (slave).
//   - Call `Open` to establish the link.
//
// Usage Example:
//
//	func main() {
//	    // ...
//	    cfg, err := modbuslink.NewConnectionConfig("192.168.1.10", 502,
//	        modbuslink.WithUnitID(1),
//	        modbuslink.WithByteOrder(modbuslink.CDAB),
//	        modbuslink.WithHeartbeatInterval(10*time.Second),
//	    )
//	    // ... handle error ...
//
//	    conn, err := modbuslink.NewConnection(ctx, cfg)
//	    // ... handle error ...
//	    defer conn.Close()
//
//	    err = conn.Open(ctx)
//	    // ... handle error ...
//
//	    temp, err := conn.ReadFloat32(200)
//	    // ... handle error ...
//	    fmt.Println("temperature:", temp)
//
//	    resp, err := conn.Dispatch(ctx, "READ_HOLDING 100 4")
//	    // ... handle error ...
//	    values, _ := resp.Param(modbuslink.ParamValues)
//	    fmt.Println("registers:", values)
//	}
package modbuslink
