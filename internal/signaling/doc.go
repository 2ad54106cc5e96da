// Package signaling is the relay's HTTP and WebSocket surface: the /ws
// socket that carries room signaling and events, and the /rooms endpoints
// that allocate rooms and expose their roster and mood.
package signaling
