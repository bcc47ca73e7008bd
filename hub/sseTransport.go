package hub

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Headers of the SSE handshake response. The push token must accompany every upstream POST
// for the connection; it is only ever sent to the client that opened the stream.
const (
	ConnectionIDHeader = "X-Connection-ID"
	PushTokenHeader    = "X-Push-Token"
)

// SSEConn is the broadly compatible fallback transport: frames flow down an
// text/event-stream response and come up as individual POST requests.
type SSEConn struct {
	id        string
	secret    string
	writer    http.ResponseWriter
	flusher   http.Flusher
	send      chan []byte
	incoming  chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	options   *Options
	logger    zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

type sseOptions struct {
	writer    http.ResponseWriter
	id        string
	options   *Options
	parentCtx context.Context
}

func newSSEConn(opts sseOptions) (*SSEConn, error) {
	flusher, ok := opts.writer.(http.Flusher)
	if !ok {
		return nil, internal("", "ResponseWriter does not support flushing")
	}

	ctx, cancel := context.WithCancel(opts.parentCtx)

	conn := &SSEConn{
		id:        opts.id,
		secret:    uuid.NewString(),
		writer:    opts.writer,
		flusher:   flusher,
		send:      make(chan []byte, opts.options.SendChannelBuffer),
		incoming:  make(chan []byte, opts.options.ReceiveBuffer),
		closeChan: make(chan struct{}),
		options:   opts.options,
		logger:    opts.options.Logger.With().Str("conn", opts.id).Str("transport", string(TransportSSE)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}

	opts.writer.Header().Set("Content-Type", "text/event-stream")
	opts.writer.Header().Set("Cache-Control", "no-cache")
	opts.writer.Header().Set("Connection", "keep-alive")
	opts.writer.Header().Set("X-Accel-Buffering", "no")
	opts.writer.Header().Set(ConnectionIDHeader, opts.id)
	opts.writer.Header().Set(PushTokenHeader, conn.secret)
	opts.writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	return conn, nil
}

func (s *SSEConn) authorize(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1
}

// serve writes queued frames and keepalive comments until the connection closes. It must
// run on the goroutine that owns the HTTP response.
func (s *SSEConn) serve() {
	ticker := time.NewTicker(s.options.PingInterval)

	defer func() {
		ticker.Stop()

		s.Close()
	}()

	for {
		select {
		case data := <-s.send:
			if err := s.write([]byte("data: "), data, []byte("\n\n")); err != nil {
				s.logger.Debug().Err(err).Msg("sse write failed")

				return
			}
		case <-ticker.C:
			if err := s.write([]byte(": keepalive\n\n")); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		case <-s.closeChan:
			return
		}
	}
}

func (s *SSEConn) write(parts ...[]byte) error {
	for _, part := range parts {
		if _, err := s.writer.Write(part); err != nil {
			return err
		}
	}
	s.flusher.Flush()
	return nil
}

func (s *SSEConn) ID() string {
	return s.id
}

func (s *SSEConn) Type() TransportType {
	return TransportSSE
}

func (s *SSEConn) Send(data []byte) error {
	select {
	case <-s.closeChan:
		return transportError("SSE connection " + s.id + " is closed")
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
		s.logger.Warn().Msg("send buffer full, closing slow connection")
		go s.Close()

		return transportError("send buffer full for SSE connection " + s.id)
	}
}

func (s *SSEConn) Receive() <-chan []byte {
	return s.incoming
}

func (s *SSEConn) Done() <-chan struct{} {
	return s.closeChan
}

// Push hands an upstream frame posted by the client to the session.
func (s *SSEConn) Push(data []byte) error {
	if int64(len(data)) > s.options.MaxMessageSize {
		return badRequest("", "frame exceeds maximum message size")
	}

	select {
	case s.incoming <- data:
		return nil
	case <-s.closeChan:
		return transportError("SSE connection " + s.id + " is closed")
	case <-time.After(s.options.WriteWait):
		return transportError("timeout pushing frame to SSE connection " + s.id)
	}
}

func (s *SSEConn) Close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)

		s.cancel()
	})
}
