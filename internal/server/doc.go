// Package server is the connection gateway of the presence hub.
//
// A Hub owns the WebSocket connections of one process. Each connection
// authenticates with an auth frame carrying its user, group and role, is
// recorded in the presence registry, and from then on receives the events the
// router addresses to it. A Server adds the relay that links processes through
// an external broker. Configuration, origin checks and per-connection rate
// limits live alongside.
package server
