// Routelink connects *routes* across the processes of a single host.
//
// A route is a bidirectional, ordered sequence of parcels between two
// `Endpoint`s. Each hop of a route is a `Router`, and adjacent routers
// are joined by a `RouterLink`: a `LocalRouterLink` when both live in the
// same `Node`, a `RemoteRouterLink` when they sit at both ends of a
// `NodeLink`.
//
// ## How it works
//
// Two nodes are connected by a `NodeLink`, carried by a `Transport`. The
// one shipped for real use is QUIC (`ListenNodeLinks` and `DialNodeLink`),
// with mutual TLS and a single bidirectional stream framed by `pkg/flow`.
// The side which dials allocates the *primary buffer*, a shared memory
// region the other side maps as soon as the connect handshake completes.
//
// The primary buffer holds a small header, the link states of the first
// `MaxInitialPortals` routes, and a few block allocators. When those run
// dry, a node allocates a new block buffer and tells its peer with an
// `AddBlockBuffer` message, see `NodeLinkMemory`.
//
// Every central link carries a `RouterLinkState` in shared memory. Both
// sides update it with atomic operations only, which lets either side
// lock the link (to bypass a proxy, or to close it) without a round trip.
//
// Attaching an `Endpoint` to a parcel, as a `Portal`, moves it to the
// receiving node: the old endpoint keeps forwarding both ways until the
// route is closed. Shared memory regions can travel too, as a `Box`.
//
// ## Design Principles
//
// ### Same host, many processes
//
// Node links assume both ends can open the same shared memory regions.
// QUIC is there for authentication and ordering, not to cross machines.
//
// ### No locks across processes
//
// Nothing in shared memory is ever protected by a mutex. Allocators and
// link states are lock-free, so a crashing peer can never leave the other
// side stuck.
//
// ### Observable
//
// Logs go through `log/slog` and metrics through
// [`hashicorp/go-metrics`][dep-gom], labelled by peer so a node with many
// links stays readable.
//
// [dep-gom]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package routelink
