// Package relay implements the real-time delivery core: live connections, the
// room registry that maps room ids to subscribed connections, the hub that fans
// events out to those connections, and the router that turns inbound client
// events into registry mutations and broadcasts.
//
// Relational membership is never trusted from the client. A connection joins a
// room only after the Authorizer confirms the connection's identity may see it,
// and every delivery goes to the registry's current view of live subscribers.
//
// Rooms are string keyed:
//
//	server-{id}   every channel of a server
//	channel-{id}  a single channel
//
// Frames on the wire are JSON envelopes:
//
//	{"event": "send-message", "data": {"roomId": "channel-5", "content": "hi"}}
package relay
