// Package stream consumes the backend's live gesture feed and keeps the
// connection alive across failures.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.aimuz.me/gesturekeys/internal/types"
)

// DefaultConnectTimeout bounds a single connection attempt.
const DefaultConnectTimeout = 5 * time.Second

// stableSession is how long a connection must stay up without delivering
// anything before the reconnect schedule starts over.
const stableSession = time.Second

var errConnectTimeout = errors.New("connect timeout")

// Config holds configuration for the stream Client.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	Backoff        BackoffConfig
	Dialer         Dialer // defaults to WebSocketDialer

	now func() time.Time
}

// Client subscribes to the gesture stream.
type Client struct {
	cfg Config
}

// NewClient creates a new stream Client.
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{}
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Client{cfg: cfg}
}

// URL returns the stream endpoint.
func (c *Client) URL() string {
	return c.cfg.URL
}

// Start opens a subscription. onEvent receives every well-formed event in
// arrival order and onState every connection state change; both are called
// from the subscription's goroutine and must not call Cancel.
func (c *Client) Start(onEvent func(types.GestureEvent), onState func(types.ConnectionState)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:      uuid.NewString(),
		cfg:     c.cfg,
		onEvent: onEvent,
		onState: onState,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.state.Store(int32(types.StateIdle))

	go s.run(ctx)
	return s
}

// Subscription is a running stream consumer.
type Subscription struct {
	id      string
	cfg     Config
	onEvent func(types.GestureEvent)
	onState func(types.ConnectionState)

	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	state  atomic.Int32
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string {
	return s.id
}

// Done is closed once the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// State returns the current connection state.
func (s *Subscription) State() types.ConnectionState {
	return types.ConnectionState(s.state.Load())
}

// Cancel stops the subscription and waits for it to wind down. It is safe
// to call more than once and at any point, including mid-backoff.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Subscription) setState(st types.ConnectionState) {
	if types.ConnectionState(s.state.Swap(int32(st))) == st {
		return
	}
	slog.Debug("gesture stream state", "subscription", s.id, "state", st)
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(types.StateStopped)

	bo := NewBackoff(s.cfg.Backoff)
	for {
		s.setState(types.StateConnecting)
		err := s.session(ctx, bo)
		if ctx.Err() != nil {
			return
		}

		s.setState(types.StateReconnecting)
		delay := bo.Next()
		slog.Warn("gesture stream disconnected", "subscription", s.id, "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails or ctx is cancelled.
func (s *Subscription) session(ctx context.Context, bo *Backoff) error {
	connCtx, closeConn := context.WithCancel(ctx)
	defer closeConn()

	conn, err := s.dial(connCtx, closeConn)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.setState(types.StateLive)
	slog.Info("gesture stream connected", "subscription", s.id, "url", s.cfg.URL)

	// A connection that is accepted and then dropped straight away keeps
	// growing the delay; only one that delivers or stays up resets it.
	liveAt := time.Now()
	delivered := false
	for {
		data, err := conn.Read(connCtx)
		if err != nil {
			if !delivered && time.Since(liveAt) >= stableSession {
				bo.Reset()
			}
			return err
		}
		if !delivered {
			delivered = true
			bo.Reset()
		}

		ev, err := decodeEvent(data, s.cfg.now)
		if err != nil {
			slog.Warn("dropping malformed gesture message", "subscription", s.id, "error", err, "data", truncate(data, 256))
			continue
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}

// dial bounds only the handshake by the connect timeout; the connection
// itself lives until closeConn.
func (s *Subscription) dial(ctx context.Context, closeConn context.CancelFunc) (Conn, error) {
	timer := time.AfterFunc(s.cfg.ConnectTimeout, closeConn)
	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL)
	if !timer.Stop() {
		if err == nil {
			conn.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, errConnectTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

func decodeEvent(data []byte, now func() time.Time) (types.GestureEvent, error) {
	var ev types.GestureEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.GestureEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return types.GestureEvent{}, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now()
	}
	return ev, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
