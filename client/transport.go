package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eleven-am/roomhub/hub"
)

// link is one established transport-level connection.
type link interface {
	transport() hub.TransportType
	send(ctx context.Context, ev hub.Event) error
	frames() <-chan []byte
	done() <-chan struct{}
	close()
}

type dialer struct {
	base       *url.URL
	credential Credential
	config     *Config
	http       *http.Client
}

func newDialer(base *url.URL, credential Credential, config *Config) *dialer {
	return &dialer{
		base:       base,
		credential: credential,
		config:     config,
		http:       &http.Client{},
	}
}

func (d *dialer) endpoint(path string, scheme string) *url.URL {
	u := *d.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if scheme != "" {
		u.Scheme = scheme
	}
	q := u.Query()
	if d.credential.Token != "" {
		q.Set("token", d.credential.Token)
	}
	if d.credential.UID != "" {
		q.Set("uid", d.credential.UID)
	}
	u.RawQuery = q.Encode()

	return &u
}

func (d *dialer) header() http.Header {
	h := http.Header{}
	if d.credential.Token != "" {
		h.Set("Authorization", "Bearer "+d.credential.Token)
	}
	return h
}

func (d *dialer) dial(ctx context.Context, transport hub.TransportType) (link, error) {
	switch transport {
	case hub.TransportWebSocket:
		return d.dialWebSocket(ctx)
	case hub.TransportSSE:
		return d.dialSSE(ctx)
	default:
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}
}

// rejection decodes the JSON error the hub answers a refused handshake with.
func rejection(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var e hub.Error
	if err := json.Unmarshal(body, &e); err == nil && e.Reason != "" {
		return &e
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return &hub.Error{Reason: hub.ReasonUnauthenticated, Message: strings.TrimSpace(string(body)), Code: resp.StatusCode}
	}
	return fmt.Errorf("handshake failed with status %d", resp.StatusCode)
}

type wsLink struct {
	conn      *websocket.Conn
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
	timeout   time.Duration
}

func (d *dialer) dialWebSocket(ctx context.Context) (link, error) {
	scheme := "ws"
	if d.base.Scheme == "https" || d.base.Scheme == "wss" {
		scheme = "wss"
	}
	wsDialer := websocket.Dialer{
		HandshakeTimeout: d.config.HandshakeTimeout,
	}

	conn, resp, err := wsDialer.DialContext(ctx, d.endpoint("/ws", scheme).String(), d.header())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				return nil, rejection(resp)
			}
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	l := &wsLink{
		conn:     conn,
		incoming: make(chan []byte, d.config.EventsBuffer),
		closed:   make(chan struct{}),
		timeout:  d.config.WriteTimeout,
	}
	go l.readLoop()

	return l, nil
}

func (l *wsLink) readLoop() {
	defer l.close()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case l.incoming <- data:
		case <-l.closed:
			return
		}
	}
}

func (l *wsLink) transport() hub.TransportType {
	return hub.TransportWebSocket
}

func (l *wsLink) send(ctx context.Context, ev hub.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	deadline := time.Now().Add(l.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = l.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *wsLink) frames() <-chan []byte {
	return l.incoming
}

func (l *wsLink) done() <-chan struct{} {
	return l.closed
}

func (l *wsLink) close() {
	l.closeOnce.Do(func() {
		close(l.closed)

		l.writeMu.Lock()
		_ = l.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.writeMu.Unlock()

		_ = l.conn.Close()
	})
}

type sseLink struct {
	body      io.ReadCloser
	pushURL   string
	http      *http.Client
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	timeout   time.Duration
	header    http.Header
}

func (d *dialer) dialSSE(ctx context.Context) (link, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, d.endpoint("/sse", "").String(), nil)
	if err != nil {
		cancel()

		return nil, err
	}
	req.Header = d.header()
	req.Header.Set("Accept", "text/event-stream")

	ch := make(chan dialResult, 1)

	go func() {
		resp, err := d.http.Do(req)
		ch <- dialResult{resp, err}
	}()

	var resp *http.Response

	select {
	case r := <-ch:
		if r.err != nil {
			cancel()

			return nil, fmt.Errorf("sse dial failed: %w", r.err)
		}
		resp = r.resp
	case <-ctx.Done():
		cancel()
		go discard(ch)

		return nil, fmt.Errorf("sse dial failed: %w", ctx.Err())
	case <-time.After(d.config.HandshakeTimeout):
		cancel()
		go discard(ch)

		return nil, fmt.Errorf("sse dial timed out")
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()

		return nil, rejection(resp)
	}
	connID := resp.Header.Get(hub.ConnectionIDHeader)
	if connID == "" {
		_ = resp.Body.Close()
		cancel()

		return nil, fmt.Errorf("sse response carried no connection id")
	}
	header := d.header()
	header.Set(hub.PushTokenHeader, resp.Header.Get(hub.PushTokenHeader))

	l := &sseLink{
		body:     resp.Body,
		pushURL:  d.endpoint("/sse/"+url.PathEscape(connID), "").String(),
		http:     d.http,
		incoming: make(chan []byte, d.config.EventsBuffer),
		closed:   make(chan struct{}),
		cancel:   cancel,
		timeout:  d.config.WriteTimeout,
		header:   header,
	}
	go l.readLoop()

	return l, nil
}

type dialResult struct {
	resp *http.Response
	err  error
}

// discard closes the body of a response that arrives after the dial was abandoned.
func discard(ch <-chan dialResult) {
	if r := <-ch; r.resp != nil {
		_ = r.resp.Body.Close()
	}
}

func (l *sseLink) readLoop() {
	defer l.close()

	scanner := bufio.NewScanner(l.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := []byte(strings.TrimPrefix(line, "data: "))

		select {
		case l.incoming <- data:
		case <-l.closed:
			return
		}
	}
}

func (l *sseLink) transport() hub.TransportType {
	return hub.TransportSSE
}

func (l *sseLink) send(ctx context.Context, ev hub.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.pushURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	for key, values := range l.header {
		req.Header[key] = values
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("sse push failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return rejection(resp)
	}
	return nil
}

func (l *sseLink) frames() <-chan []byte {
	return l.incoming
}

func (l *sseLink) done() <-chan struct{} {
	return l.closed
}

func (l *sseLink) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.cancel()
		_ = l.body.Close()
	})
}
