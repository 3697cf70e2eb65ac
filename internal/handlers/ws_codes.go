// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the battle relay.
const (
	BadSubprotocolError = 3000 // Client connected with an unsupported subprotocol.
	BattleEndedError    = 3001 // The session reached a terminal status while connected.
)
