package websocket

// Action constants for WebSocket messages
const (
	// Subscription actions (client -> server)
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	// Liveness
	ActionPing = "ping"
	ActionPong = "pong"

	// Event delivery (server -> client)
	ActionEvent = "event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
