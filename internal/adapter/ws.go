package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"quantbridge/config"
	"quantbridge/logger"
)

// WSConfig carries the transport knobs for one websocket session.
type WSConfig struct {
	URL              string
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	Reconnect        config.ReconnectConfig
	Proxy            string
}

// WSSession owns one websocket connection to one platform endpoint. It
// reconnects with capped jittered exponential backoff, re-issues every
// registered subscription after the session authenticates again, and
// proactively closes the connection when no server message arrives
// within the heartbeat timeout.
type WSSession struct {
	cfg     WSConfig
	session *Session
	log     *logger.Log

	// OnConnect runs after the dial succeeds and before subscriptions
	// are re-issued; platform login happens here. A nil OnConnect means
	// the endpoint needs no authentication.
	OnConnect func(ctx context.Context, ws *WSSession) error
	// OnMessage receives every data frame in arrival order.
	OnMessage func(data []byte)
	// OnDisconnect fires when an established connection drops, before
	// the backoff wait. Pending request futures are failed here.
	OnDisconnect func(err error)

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    []json.RawMessage
	writeMu sync.Mutex
	running bool
}

// newReconnectBackoff builds the reconnect delay source: base delay
// doubling per attempt, jittered, capped at the configured maximum.
func newReconnectBackoff(cfg config.ReconnectConfig) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    cfg.BaseDelay,
		Max:    cfg.MaxDelay,
		Factor: 2,
		Jitter: true,
	}
}

// stableConnAge is how long a connection must live before the next
// reconnect starts from the base delay again.
const stableConnAge = time.Minute

func resetAfterStable(b *backoff.Backoff, lived time.Duration) {
	if lived >= stableConnAge {
		b.Reset()
	}
}

func NewWSSession(session *Session, cfg WSConfig) *WSSession {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = cfg.HeartbeatTimeout / 3
		if cfg.PingInterval <= 0 {
			cfg.PingInterval = 10 * time.Second
		}
	}
	return &WSSession{
		cfg:     cfg,
		session: session,
		log:     logger.GetLogger(),
	}
}

// Subscribe registers a subscription payload and sends it when the
// session is live. Registering the same payload twice is a no-op; every
// registered payload is re-sent after each reconnect.
func (ws *WSSession) Subscribe(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	ws.mu.Lock()
	for _, existing := range ws.subs {
		if string(existing) == string(data) {
			ws.mu.Unlock()
			return nil
		}
	}
	ws.subs = append(ws.subs, data)
	conn := ws.conn
	ws.mu.Unlock()

	if conn != nil && ws.session.State() == StateAuthenticated {
		return ws.send(data)
	}
	return nil
}

// Send marshals and writes a frame on the live connection.
func (ws *WSSession) Send(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return ws.send(data)
}

func (ws *WSSession) send(data []byte) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrSessionLost
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads one frame straight off the connection. Only valid
// inside OnConnect, before the session's read loop takes over; login
// handshakes use it to wait for the platform's ack.
func (ws *WSSession) ReadFrame(timeout time.Duration) ([]byte, error) {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return nil, ErrSessionLost
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	ws.session.Touch()
	return data, nil
}

// Run drives the connect/read/reconnect loop until the context is
// cancelled. Backoff delays are non-decreasing up to the cap and reset
// once a connection has lived long enough to count as stable.
func (ws *WSSession) Run(ctx context.Context) error {
	ws.mu.Lock()
	if ws.running {
		ws.mu.Unlock()
		return fmt.Errorf("ws session already running")
	}
	ws.running = true
	ws.mu.Unlock()

	log := ws.log.WithComponent("ws_session").WithFields(logger.Fields{
		"platform": ws.session.Platform,
		"account":  ws.session.Account,
		"url":      ws.cfg.URL,
	})

	b := newReconnectBackoff(ws.cfg.Reconnect)

	for {
		if ctx.Err() != nil {
			ws.session.SetState(StateDisconnected)
			return ctx.Err()
		}

		attempt := ws.session.NextAttempt()
		if max := ws.cfg.Reconnect.MaxRetry; max > 0 && attempt > max {
			log.WithFields(logger.Fields{"attempts": attempt}).Error("reconnect budget exhausted")
			ws.session.SetState(StateDisconnected)
			return &APIError{Kind: FailureFatal, Platform: ws.session.Platform, Message: "reconnect budget exhausted"}
		}

		started := time.Now()
		err := ws.connectAndServe(ctx, log)
		resetAfterStable(b, time.Since(started))
		ws.session.SetState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsAuth(err) {
			log.WithError(err).Error("authentication rejected, shutting session down")
			return err
		}
		if ws.OnDisconnect != nil {
			ws.OnDisconnect(err)
		}

		delay := b.Duration()
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (ws *WSSession) connectAndServe(ctx context.Context, log *logger.Entry) error {
	ws.session.SetState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	if ws.cfg.Proxy != "" {
		proxyURL, err := url.Parse(ws.cfg.Proxy)
		if err != nil {
			return &APIError{Kind: FailureFatal, Platform: ws.session.Platform, Message: fmt.Sprintf("invalid proxy url: %v", err)}
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	conn, _, err := dialer.DialContext(ctx, ws.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	defer func() {
		ws.mu.Lock()
		ws.conn = nil
		ws.mu.Unlock()
	}()

	ws.session.SetState(StateConnected)
	ws.session.Touch()

	conn.SetPongHandler(func(string) error {
		ws.session.Touch()
		return conn.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
	})

	if ws.OnConnect != nil {
		if err := ws.OnConnect(ctx, ws); err != nil {
			return err
		}
	}
	ws.session.SetState(StateAuthenticated)

	// Re-issue every registered subscription.
	ws.mu.Lock()
	subs := make([]json.RawMessage, len(ws.subs))
	copy(subs, ws.subs)
	ws.mu.Unlock()
	for _, sub := range subs {
		if err := ws.send(sub); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	log.WithFields(logger.Fields{"subscriptions": len(subs)}).Info("session authenticated")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go ws.pingLoop(pingCtx, conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		ws.session.Touch()
		if ws.OnMessage != nil {
			ws.OnMessage(data)
		}
	}
}

func (ws *WSSession) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			ws.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
