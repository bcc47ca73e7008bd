package hub

type TransportType string

const (
	TransportWebSocket TransportType = "websocket"
	TransportSSE       TransportType = "sse"
)

// Transport is a connected client channel. The session reads raw inbound frames from
// Receive in order and writes outbound frames with Send.
type Transport interface {
	ID() string
	Type() TransportType

	// Send queues one encoded frame. It never blocks; a full queue closes the transport
	// and returns a TRANSPORT_ERROR.
	Send(data []byte) error

	// Receive yields inbound frames in arrival order.
	Receive() <-chan []byte

	// Done is closed once the transport is closed for any reason.
	Done() <-chan struct{}

	// Close is idempotent.
	Close()
}
