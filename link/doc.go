// Package link defines the protocol-independent core of go-fieldlink: the
// universal Message envelope, the Connection interface implemented by every
// protocol adapter, the four-state connection lifecycle, and the shared
// plumbing (task manager, reconnect/heartbeat supervisor, ordered message
// dispatch, metrics) the adapters are built on.
//
// Protocol adapters live in their own packages (socketlink, seriallink,
// modbuslink, s7link, adslink) and embed BaseConn to inherit the lifecycle
// behavior described here.
package link
