// Package gateway wires the relay components into a running server.
//
// # Routes
//
//	GET /ws            websocket, one endpoint per socket
//	GET /health        liveness, always 200
//	GET /health/ready  JSON: instance id, broker mode, live sessions
//
// # Sockets
//
// Each websocket gets a reader and a writer goroutine. The reader hands
// frames to relay.Handler in arrival order. The writer drains a buffered
// channel (delivery.send_buffer frames) and sends keepalive pings. When the
// buffer is full, frames for that socket are dropped so one slow client never
// stalls a broadcast.
//
// # Instances
//
// With redis.url set, events are relayed between instances through Redis
// pub/sub. If Redis cannot be reached at startup the gateway logs a warning
// and serves as a single instance.
//
// # Shutdown
//
// Shutdown stops the listener, closes live sockets, waits for pending offline
// notifications, and then closes the broker and store.
package gateway
