// Package session runs one relay session: exactly one client socket paired
// with one upstream socket, frames forwarded verbatim in both directions.
//
// The upstream connection opens asynchronously after the client upgrade is
// accepted. Client frames that arrive first are buffered in order and
// flushed before live relay begins; nothing is dropped. Per-direction frame
// order is preserved; no ordering is guaranteed between directions. Closing
// either side eventually closes the other, and closing an already-closed
// socket is a no-op.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/auralis-ai/voicerelay/pkg/providers"
	"github.com/auralis-ai/voicerelay/pkg/relay/apierror"
)

type Config struct {
	// ConnectTimeout bounds the upstream dial. The client gets a
	// connect_failed error frame and a normal close when it expires.
	ConnectTimeout time.Duration

	// MaxSessionDuration force-closes sessions that outlive it; zero
	// disables the cutoff.
	MaxSessionDuration time.Duration

	MaxMessageBytes   int64
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	OutboundQueueSize int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 128
	}
}

// Dependencies wires one session. Dialer is overridable for tests; nil uses
// a dialer bounded by ConnectTimeout.
type Dependencies struct {
	Client   *websocket.Conn
	Upstream providers.Upstream
	Dialer   *websocket.Dialer

	Logger    *slog.Logger
	SessionID string
	RequestID string

	Config Config
}

type frame struct {
	messageType int
	data        []byte
}

// controlFrame is a relay-originated message to the client, delivered ahead
// of queued relay traffic.
type controlFrame struct {
	Type    string `json:"type"`
	Scope   string `json:"scope,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Session struct {
	cfg    Config
	log    *slog.Logger
	id     string
	reqID  string
	client *websocket.Conn
	target providers.Upstream
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	// toUpstream buffers client frames until the upstream writer starts
	// draining; the channel itself is the pre-open queue.
	toUpstream chan frame
	toClient   chan frame
	control    chan frame

	closeClientOnce   sync.Once
	closeUpstreamOnce sync.Once
}

// New builds a session over an accepted client connection.
func New(deps Dependencies) (*Session, error) {
	if deps.Client == nil {
		return nil, errors.New("session: client connection is required")
	}
	if deps.Upstream.URL == "" {
		return nil, errors.New("session: upstream target is required")
	}
	cfg := deps.Config
	cfg.applyDefaults()

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:        cfg,
		log:        log,
		id:         deps.SessionID,
		reqID:      deps.RequestID,
		client:     deps.Client,
		target:     deps.Upstream,
		dialer:     deps.Dialer,
		ctx:        ctx,
		cancel:     cancel,
		toUpstream: make(chan frame, cfg.OutboundQueueSize),
		toClient:   make(chan frame, cfg.OutboundQueueSize),
		control:    make(chan frame, 8),
	}, nil
}

// Run relays until either side closes, then tears the other side down.
// It returns once both loops have finished; the client socket is closed by
// the time it returns.
func (s *Session) Run() error {
	defer s.cancel()

	if s.cfg.MaxMessageBytes > 0 {
		s.client.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.MaxSessionDuration > 0 {
		cutoff := time.AfterFunc(s.cfg.MaxSessionDuration, func() {
			s.sendControl("warning", "session", "session_limit", "maximum session duration reached")
			s.cancel()
		})
		defer cutoff.Stop()
	}

	g := new(errgroup.Group)
	g.Go(s.clientWriteLoop)
	g.Go(s.clientReadLoop)
	g.Go(s.upstreamLoop)
	return g.Wait()
}

// Cancel force-closes the session. Safe to call multiple times and from any
// goroutine.
func (s *Session) Cancel() { s.cancel() }

// SendWarning delivers an in-band warning frame to the client.
func (s *Session) SendWarning(code, message string) error {
	return s.sendControl("warning", "session", code, message)
}

// clientReadLoop pumps client frames toward the upstream writer. A read
// error means the client went away; that is the normal end of a session,
// not a failure.
func (s *Session) clientReadLoop() error {
	defer s.cancel()
	for {
		messageType, data, err := s.client.ReadMessage()
		if err != nil {
			return nil
		}
		select {
		case s.toUpstream <- frame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return nil
		}
	}
}

// upstreamLoop dials the upstream, then becomes its single writer while a
// child goroutine reads. Frames buffered before the dial completed drain
// first, in arrival order.
func (s *Session) upstreamLoop() error {
	dialer := s.dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	}

	dialCtx, dialCancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	conn, resp, err := dialer.DialContext(dialCtx, s.target.URL, s.target.Header)
	dialCancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if s.ctx.Err() == nil {
			s.sendControl("error", "upstream", apierror.CodeConnectFailed, "failed to connect to upstream provider")
			s.log.Warn("upstream connect failed",
				"session_id", s.id, "request_id", s.reqID, "error", err)
		}
		s.cancel()
		if s.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("session: dial upstream: %w", err)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.upstreamReadLoop(conn)
	}()

	defer func() {
		s.closeUpstream(conn)
		<-readerDone
	}()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case f := <-s.toUpstream:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(f.messageType, f.data); err != nil {
				s.cancel()
				return nil
			}
		}
	}
}

// upstreamReadLoop pumps upstream frames toward the client writer. A close
// from upstream ends the session normally; any other upstream failure is
// reported to the client as one structured error frame before teardown.
// It is the only sender on toClient, and closing that channel is how the
// client writer learns the stream is complete: frames already received are
// drained to the client before the socket closes, never discarded.
func (s *Session) upstreamReadLoop(conn *websocket.Conn) {
	defer close(s.toClient)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !isExpectedClose(err) {
				s.sendControl("error", "upstream", apierror.CodeProtocolError, "upstream connection error")
				s.log.Warn("upstream read error",
					"session_id", s.id, "request_id", s.reqID, "error", err)
			}
			return
		}
		select {
		case s.toClient <- frame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) sendControl(kind, scope, code, message string) error {
	payload, err := json.Marshal(controlFrame{Type: kind, Scope: scope, Code: code, Message: message})
	if err != nil {
		return err
	}
	select {
	case s.control <- frame{messageType: websocket.TextMessage, data: payload}:
		return nil
	default:
		return errors.New("session: control queue full")
	}
}

func (s *Session) closeUpstream(conn *websocket.Conn) {
	s.closeUpstreamOnce.Do(func() {
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	})
}

func (s *Session) closeClient() {
	s.closeClientOnce.Do(func() {
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		_ = s.client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.client.Close()
	})
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
