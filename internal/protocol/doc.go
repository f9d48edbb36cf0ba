// Package protocol defines the JSON frames exchanged over the relay websocket.
//
// Every frame is an Envelope {"type": "...", "data": {...}}. Client events
// implement Inbound and server events implement Outbound; both sets are
// closed, so handlers switch over them exhaustively.
//
//	ev, err := protocol.DecodeInbound(frame)
//	switch ev := ev.(type) {
//	case *protocol.MessageSend:
//		...
//	}
package protocol
