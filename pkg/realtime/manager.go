package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docqa/pkg/events"
	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/metrics"
	"github.com/cuemby/docqa/pkg/protocol"
)

// State is the connection lifecycle state
type State string

const (
	// StateSuspended means no credential is present; nothing is open
	StateSuspended    State = "suspended"
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

var allStates = []string{
	string(StateSuspended),
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
}

// Config configures a Manager
type Config struct {
	// URL is the realtime endpoint, for example ws://localhost:8000/ws
	URL string
	// Dialer defaults to WebsocketDialer
	Dialer Dialer
	// FrameBuffer sizes the outbound frame channel (default 256)
	FrameBuffer int
	Reconnect   ReconnectConfig
	Broker      *events.Broker
	// OnStateChange is invoked in transition order from a single
	// goroutine. It must not block for long.
	OnStateChange func(State)
}

// Manager owns at most one persistent connection, bound to the current
// credential. Parsed frames are delivered in arrival order on Frames.
//
// A connection never outlives the token it was opened with: handing a
// different token to SetToken while connected or connecting closes the
// current connection and dials again with the new one. Events pushed in
// between are lost, so callers that need them should resync on connect.
type Manager struct {
	cfg    Config
	dial   Dialer
	frames chan protocol.Envelope
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	token     string
	connToken string
	gen       uint64
	connStop  context.CancelFunc
	retry     *time.Timer
	backoff   backoff
	closed    bool

	pending []State
	notify  chan struct{}
}

// NewManager creates a suspended manager
func NewManager(cfg Config) *Manager {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 256
	}
	cfg.Reconnect.defaults()
	dial := cfg.Dialer
	if dial == nil {
		dial = WebsocketDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		dial:    dial,
		frames:  make(chan protocol.Envelope, cfg.FrameBuffer),
		logger:  log.WithComponent("realtime"),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateSuspended,
		backoff: backoff{cfg: cfg.Reconnect},
		notify:  make(chan struct{}, 1),
	}
	metrics.SetConnectionState(string(StateSuspended), allStates)
	metrics.UpdateComponent(metrics.ComponentRealtime, false, string(StateSuspended))

	m.wg.Add(1)
	go m.deliverStates()
	return m
}

// Frames returns the channel parsed frames are delivered on. It is closed
// by Close.
func (m *Manager) Frames() <-chan protocol.Envelope {
	return m.frames
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the connection is open
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// SetToken reacts to a credential change. An empty token closes any open
// connection and suspends the manager. A non-empty token opens a
// connection unless one is already open or opening with the same token;
// a different token replaces the current connection.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.token = token
	m.stopRetryLocked()

	if token == "" {
		m.teardownLocked()
		m.setStateLocked(StateSuspended)
		return
	}

	if (m.state == StateConnected || m.state == StateConnecting) && m.connToken == token {
		return
	}

	m.teardownLocked()
	m.backoff.reset()
	m.connectLocked()
}

// Run feeds credential changes from tokens until ctx is cancelled or
// tokens is closed, then closes the manager.
func (m *Manager) Run(ctx context.Context, tokens <-chan string) error {
	defer m.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case token, ok := <-tokens:
			if !ok {
				return nil
			}
			m.SetToken(token)
		}
	}
}

// Close tears down the connection and stops all background work. It is
// safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopRetryLocked()
	m.teardownLocked()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	close(m.frames)
}

// connectLocked starts a new dial generation. Results from earlier
// generations are discarded.
func (m *Manager) connectLocked() {
	m.gen++
	gen := m.gen
	token := m.token
	m.connToken = token

	connCtx, stop := context.WithCancel(m.ctx)
	m.connStop = stop
	m.setStateLocked(StateConnecting)

	m.wg.Add(1)
	go m.connect(connCtx, gen, token)
}

// teardownLocked cancels the current generation, closing its connection
func (m *Manager) teardownLocked() {
	m.gen++
	m.connToken = ""
	if m.connStop != nil {
		m.connStop()
		m.connStop = nil
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) connect(ctx context.Context, gen uint64, token string) {
	defer m.wg.Done()

	endpoint, err := Endpoint(m.cfg.URL, token)
	if err == nil {
		var conn Conn
		conn, err = m.dial(ctx, endpoint)
		if err == nil {
			m.serve(ctx, gen, conn)
			return
		}
	}

	metrics.ConnectionAttemptsTotal.WithLabelValues("failure").Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.logger.Warn().Err(err).Msg("Realtime connection failed")
	m.connStop = nil
	m.connToken = ""
	m.setStateLocked(StateDisconnected)
	m.scheduleRetryLocked()
}

func (m *Manager) serve(ctx context.Context, gen uint64, conn Conn) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	metrics.ConnectionAttemptsTotal.WithLabelValues("success").Inc()
	m.backoff.reset()
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info().Msg("Realtime connection established")

	// Closing on cancellation unblocks a pending Read immediately
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	err := m.readLoop(ctx, conn)
	conn.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.logger.Warn().Err(err).Msg("Realtime connection closed")
	m.connStop = nil
	m.connToken = ""
	m.setStateLocked(StateDisconnected)
	m.scheduleRetryLocked()
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		metrics.FramesReceivedTotal.Inc()

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			metrics.FramesMalformedTotal.Inc()
			m.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed frame")
			continue
		}

		select {
		case m.frames <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) scheduleRetryLocked() {
	if m.closed || m.token == "" || !m.backoff.shouldRetry() {
		return
	}
	delay := m.backoff.next()
	gen := m.gen
	m.logger.Info().Dur("delay", delay).Int("attempt", m.backoff.attempt).Msg("Scheduling realtime reconnect")

	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || gen != m.gen || m.token == "" || m.state != StateDisconnected {
			return
		}
		m.retry = nil
		m.connectLocked()
	})
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.pending = append(m.pending, s)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// deliverStates reports transitions outside the lock so observers may
// call back into the manager
func (m *Manager) deliverStates() {
	defer m.wg.Done()
	for {
		select {
		case <-m.notify:
		case <-m.ctx.Done():
			m.flushStates()
			return
		}
		m.flushStates()
	}
}

func (m *Manager) flushStates() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, s := range batch {
		metrics.SetConnectionState(string(s), allStates)
		metrics.UpdateComponent(metrics.ComponentRealtime, s == StateConnected, string(s))
		m.cfg.Broker.Publish(&events.Event{
			Type:     events.EventConnectionStateChanged,
			Message:  "realtime connection " + string(s),
			Metadata: map[string]string{"state": string(s)},
		})
		if m.cfg.OnStateChange != nil {
			m.cfg.OnStateChange(s)
		}
	}
}
