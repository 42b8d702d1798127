// Package server is the WebSocket transport of the relay.
//
// A Server authenticates each upgrade request before any connection exists,
// then bridges the socket to a relay.Connection with two goroutines: the read
// pump rate-limits inbound frames and feeds them to the router, and the write
// pump drains the connection's outbound queue and keeps the socket alive with
// pings. Origin allow-list, frame size and rate limit are live settings that
// can be replaced while the server runs.
package server
