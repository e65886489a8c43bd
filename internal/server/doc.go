// Package server implements the relay's HTTP and WebSocket surface.
//
// A Hub owns the connection registry and runs a single loop that applies
// registrations, routes messages and broadcasts presence changes, so every
// connection observes the same order of events. Each websocket connection
// gets a Client with its own read and write pumps and a bounded outbound
// queue; a peer that cannot keep up is dropped rather than slowing anyone
// else down.
package server
