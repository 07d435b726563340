// Package session owns the exchange websocket: connect, authenticate,
// heartbeat, token refresh, reconnect with backoff, and request/response
// correlation. It is the only writer of the socket; everything above it sees
// decoded frames or state-change callbacks.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"perpd/internal/config"
	"perpd/internal/events"
	"perpd/internal/logger"
	"perpd/internal/metrics"
	"perpd/internal/wire"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// NotificationHandler receives subscription pushes. It runs on the read loop;
// handlers must not block.
type NotificationHandler func(channel string, data json.RawMessage)

type StateHandler func(State)

const (
	maxConsecutiveProtocolErrors = 5
	dialTimeout                  = 15 * time.Second
	writeTimeout                 = 10 * time.Second
)

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	ch     chan callResult
}

// Transport maintains one logical session. Connect establishes a single
// connection; Run keeps one alive until the context ends.
type Transport struct {
	cfg      config.SessionConfig
	creds    config.Credentials
	endpoint string
	profiles *config.ProfileStore
	bus      *events.Bus

	onNotification NotificationHandler
	onState        StateHandler
	stateCh        chan State

	nextID atomic.Uint64

	onReady func(context.Context) error

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	epoch         uint64
	done          chan struct{} // closed by teardown of the current conn
	pending       map[uint64]pendingCall
	refreshToken  string
	refreshTimer  *time.Timer
	lastInbound   time.Time
	attempts      int
	everConnected bool

	writeMu sync.Mutex
}

func NewTransport(cfg *config.Config, profiles *config.ProfileStore, bus *events.Bus) *Transport {
	t := &Transport{
		cfg:      cfg.Session,
		creds:    cfg.Exchange.Credentials,
		endpoint: cfg.Exchange.ActiveEndpoint(),
		profiles: profiles,
		bus:      bus,
		pending:  make(map[uint64]pendingCall),
		stateCh:  make(chan State, 32),
	}
	go t.notifyStates()
	return t
}

// notifyStates delivers state changes to the observer one at a time, in the
// order they happened. A handler running on its own goroutine per change
// could observe a reconnect before the disconnect that preceded it.
func (t *Transport) notifyStates() {
	for s := range t.stateCh {
		if h := t.onState; h != nil {
			h(s)
		}
	}
}

// OnNotification registers the subscription push handler. Must be called
// before Connect.
func (t *Transport) OnNotification(h NotificationHandler) { t.onNotification = h }

// OnStateChange registers the state observer. Must be called before Connect.
// The Authenticated transition fires after the handshake completes and before
// any subscription data can flow, which is the hook for replaying
// subscriptions.
func (t *Transport) OnStateChange(h StateHandler) { t.onState = h }

// OnReady registers a hook that runs on every successful handshake, after
// authentication but before the transport reports Authenticated. Subscription
// replay happens here so no market or private data can be missed once normal
// dispatch resumes. A hook error is logged, not fatal.
func (t *Transport) OnReady(h func(context.Context) error) { t.onReady = h }

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials and authenticates once. A *ConnectionError is retryable; a
// permanent *AuthError is not.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: errAlreadyConnected}
	}
	t.setStateLocked(StateConnecting, "")
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		t.mu.Lock()
		t.setStateLocked(StateDisconnected, err.Error())
		t.mu.Unlock()
		return &ConnectionError{Op: "dial", Err: err}
	}

	t.mu.Lock()
	t.conn = conn
	t.epoch++
	epoch := t.epoch
	t.done = make(chan struct{})
	t.lastInbound = time.Now()
	t.setStateLocked(StateConnected, "")
	t.mu.Unlock()

	go t.readLoop(conn, epoch)
	go t.watchdog(epoch)

	if err := t.authenticate(ctx, false); err != nil {
		t.teardown(epoch, err)
		return err
	}

	if err := t.enableHeartbeat(ctx); err != nil {
		logger.Warnf("session: enabling heartbeat failed: %v", err)
	}

	if t.onReady != nil {
		if err := t.onReady(ctx); err != nil {
			logger.Warnf("session: ready hook failed: %v", err)
		}
	}

	t.mu.Lock()
	t.everConnected = true
	t.setStateLocked(StateAuthenticated, "")
	t.mu.Unlock()
	return nil
}

// Run keeps the session alive: connect (unless already connected), wait for
// teardown, back off, reconnect. It returns on context cancellation or a
// permanent auth failure.
func (t *Transport) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    t.cfg.ReconnectMin,
		Max:    t.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.State() == StateDisconnected {
			attempt := t.bumpAttempts()
			wasConnected := t.hasEverConnected()
			if err := t.Connect(ctx); err != nil {
				if authErr, ok := asAuthError(err); ok && authErr.Permanent {
					return err
				}
				wait := b.Duration()
				logger.Warnf("session: connect attempt %d failed: %v (retrying in %s)", attempt, err, wait.Round(time.Millisecond))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			if wasConnected {
				metrics.Reconnects.Inc()
			}
			b.Reset()
		}

		t.mu.Lock()
		done := t.done
		t.mu.Unlock()
		select {
		case <-ctx.Done():
			t.Close()
			return ctx.Err()
		case <-done:
		}
	}
}

func (t *Transport) bumpAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	return t.attempts
}

func (t *Transport) hasEverConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.everConnected
}

// Close tears down the current connection. Run, if active, will observe the
// context rather than reconnect.
func (t *Transport) Close() {
	t.mu.Lock()
	epoch := t.epoch
	t.mu.Unlock()
	t.teardown(epoch, nil)
}

// Call sends a request and waits for the matching response. It fails fast
// with ErrDisconnected while no authenticated session exists; requests are
// never queued. ErrCallTimeout means the outcome is unknown server-side.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.call(ctx, method, params, true)
}

var errAlreadyConnected = &connStateError{"already connected"}

type connStateError struct{ msg string }

func (e *connStateError) Error() string { return e.msg }

func (t *Transport) call(ctx context.Context, method string, params any, requireAuth bool) (json.RawMessage, error) {
	t.mu.Lock()
	if t.conn == nil || t.state == StateDisconnected || (requireAuth && t.state != StateAuthenticated) {
		t.mu.Unlock()
		metrics.Calls.WithLabelValues(method, "disconnected").Inc()
		return nil, ErrDisconnected
	}
	id := t.nextID.Add(1)
	pc := pendingCall{method: method, ch: make(chan callResult, 1)}
	t.pending[id] = pc
	conn := t.conn
	epoch := t.epoch
	t.mu.Unlock()

	data, err := wire.EncodeRequest(id, method, params)
	if err != nil {
		t.dropPending(id)
		metrics.Calls.WithLabelValues(method, "error").Inc()
		return nil, err
	}
	if err := t.write(conn, data); err != nil {
		t.dropPending(id)
		t.teardown(epoch, &ConnectionError{Op: "write", Err: err})
		metrics.Calls.WithLabelValues(method, "disconnected").Inc()
		return nil, ErrDisconnected
	}

	timer := time.NewTimer(t.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case res := <-pc.ch:
		if res.err != nil {
			metrics.Calls.WithLabelValues(method, "error").Inc()
			return nil, res.err
		}
		metrics.Calls.WithLabelValues(method, "ok").Inc()
		return res.result, nil
	case <-ctx.Done():
		t.dropPending(id)
		metrics.Calls.WithLabelValues(method, "error").Inc()
		return nil, ctx.Err()
	case <-timer.C:
		t.dropPending(id)
		metrics.Calls.WithLabelValues(method, "timeout").Inc()
		return nil, ErrCallTimeout
	}
}

func (t *Transport) write(conn *websocket.Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) dropPending(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Transport) readLoop(conn *websocket.Conn, epoch uint64) {
	protoErrors := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.teardown(epoch, &ConnectionError{Op: "read", Err: err})
			return
		}
		t.touchInbound(epoch)

		frame, err := wire.Decode(raw)
		if err != nil {
			protoErrors++
			logger.Warnf("session: dropping malformed frame (%d consecutive): %v", protoErrors, err)
			if protoErrors >= maxConsecutiveProtocolErrors {
				t.teardown(epoch, err)
				return
			}
			continue
		}
		protoErrors = 0

		switch frame.Kind {
		case wire.FrameResponse:
			t.resolve(frame.ID, callResult{result: frame.Result})
		case wire.FrameError:
			t.resolve(frame.ID, callResult{err: frame.Err})
		case wire.FrameNotification:
			t.dispatchNotification(frame)
		}
	}
}

func (t *Transport) resolve(id uint64, res callResult) {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		// Late response after timeout/teardown; the caller has moved on to
		// the reconcile path.
		logger.Debugf("session: response for unknown call id %d", id)
		return
	}
	pc.ch <- res
}

func (t *Transport) dispatchNotification(frame wire.Frame) {
	if t.isTestRequest(frame) {
		go t.answerTestRequest()
		return
	}
	if t.onNotification != nil {
		t.onNotification(frame.Channel, frame.Data)
	}
}

func (t *Transport) isTestRequest(frame wire.Frame) bool {
	if !strings.Contains(strings.ToLower(frame.Channel), "heartbeat") {
		return false
	}
	var body struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame.Data, &body); err != nil {
		return true // heartbeat channel with no recognizable body still counts
	}
	return body.Type == "" || body.Type == "test_request"
}

func (t *Transport) answerTestRequest() {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CallTimeout)
	defer cancel()
	profile := t.profiles.Current()
	if _, err := t.call(ctx, profile.Methods.TestResponse, nil, false); err != nil {
		logger.Warnf("session: heartbeat test response failed: %v", err)
	}
}

func (t *Transport) enableHeartbeat(ctx context.Context) error {
	profile := t.profiles.Current()
	interval := int(t.cfg.HeartbeatInterval / time.Second)
	if interval < 10 {
		interval = 10
	}
	_, err := t.call(ctx, profile.Methods.SetHeartbeat, map[string]any{"interval": interval}, false)
	return err
}

// watchdog forces a reconnect when two consecutive heartbeat intervals pass
// with no inbound traffic.
func (t *Transport) watchdog(epoch uint64) {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	deadline := 2 * t.cfg.HeartbeatInterval
	ticker := time.NewTicker(t.cfg.HeartbeatInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		stale := t.epoch != epoch || t.state == StateDisconnected
		idle := time.Since(t.lastInbound)
		t.mu.Unlock()
		if stale {
			return
		}
		if idle > deadline {
			metrics.HeartbeatMisses.Inc()
			logger.Warnf("session: no traffic for %s (deadline %s), forcing reconnect", idle.Round(time.Second), deadline)
			t.teardown(epoch, &ConnectionError{Op: "heartbeat", Err: errHeartbeatMissed})
			return
		}
	}
}

var errHeartbeatMissed = &connStateError{"liveness deadline exceeded"}

func (t *Transport) touchInbound(epoch uint64) {
	t.mu.Lock()
	if t.epoch == epoch {
		t.lastInbound = time.Now()
	}
	t.mu.Unlock()
}

// teardown closes the connection identified by epoch and resolves every
// pending call with ErrDisconnected so nothing waits on a dead socket.
func (t *Transport) teardown(epoch uint64, cause error) {
	t.mu.Lock()
	if t.epoch != epoch || t.state == StateDisconnected {
		t.mu.Unlock()
		return
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	if t.refreshTimer != nil {
		t.refreshTimer.Stop()
		t.refreshTimer = nil
	}
	for id, pc := range t.pending {
		delete(t.pending, id)
		pc.ch <- callResult{err: ErrDisconnected}
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	t.setStateLocked(StateDisconnected, reason)
	done := t.done
	t.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// setStateLocked requires t.mu held. The observer callback runs without the
// lock to keep handlers free to call back into the transport.
func (t *Transport) setStateLocked(s State, detail string) {
	if t.state == s {
		return
	}
	t.state = s
	metrics.SessionState.Set(float64(s))
	if t.bus != nil {
		evt := events.New(events.KindSession)
		evt.Session = &events.SessionEvent{State: s.String(), Endpoint: t.endpoint, Attempt: t.attempts, LastError: detail}
		t.bus.Publish(evt)
	}
	select {
	case t.stateCh <- s:
	default:
		// Only reachable with a handler stuck for many reconnect cycles.
		logger.Warnf("session: state notification dropped (%s)", s)
	}
}

func asAuthError(err error) (*AuthError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}
