// Package ingest owns inbound market and account data: the two exchange
// WebSocket streams and the slow REST fill backfill.
//
//   - The market stream subscribes ticker_batch and keeps the bid/ask,
//     ticker, and USD-pair caches current, folding every tick into the
//     live bar.
//   - The user stream subscribes the authenticated user channel and turns
//     order lifecycle events into tracker updates and fills into recorder
//     events.
//   - The reconciler periodically pages REST fill history so fills missed
//     during a disconnect still reach the ledger.
//
// Each stream reconnects with exponential backoff (1s doubling, capped)
// and carries a silence watchdog that force-closes the connection when no
// frame arrives within the timeout.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bottrader/internal/config"
	"bottrader/internal/metrics"
	"bottrader/pkg/types"
)

const (
	defaultWatchdogTimeout  = 60 * time.Second
	defaultWatchdogInterval = 5 * time.Second
	defaultReconnectMax     = 10
	defaultReconnectCap     = 60 * time.Second
	initialBackoff          = time.Second
	writeTimeout            = 10 * time.Second
)

// Socket is the slice of the exchange client the streams need: a dialed
// framed connection and a fresh JWT for private channels.
type Socket interface {
	OpenWebSocket(ctx context.Context, url string) (*websocket.Conn, error)
	WSToken() (string, error)
}

// FrameHandler consumes one parsed inbound frame. Returning an error tears
// the session down and triggers a full reconnect.
type FrameHandler func(msg *types.WSMessage) error

// StreamConfig names one maintained connection.
type StreamConfig struct {
	Name     string
	URL      string
	Channels []string
	Private  bool
}

// Stream is one maintained WebSocket session: dial, subscribe the
// configured channels, read frames, reconnect on failure. Subscribed
// channels and per-channel activity reset on every reconnect.
type Stream struct {
	name     string
	url      string
	channels []string
	private  bool

	client   Socket
	products func() []string
	handle   FrameHandler
	cfg      config.IngestConfig
	logger   *slog.Logger
	now      func() time.Time

	// writeMu serializes frame writes; subscribe changes arrive from the
	// session goroutine and from universe updates concurrently.
	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	subscribed   map[string]bool
	subProducts  map[string][]string // product set each channel subscribed with
	activity     map[string]time.Time
	lastActivity time.Time
	lastBeat     time.Time
}

// NewStream builds a stream. products supplies the product ids for
// subscribe frames at the moment of (re)subscription.
func NewStream(sc StreamConfig, client Socket, products func() []string, handle FrameHandler, cfg config.IngestConfig, logger *slog.Logger) *Stream {
	return &Stream{
		name:        sc.Name,
		url:         sc.URL,
		channels:    sc.Channels,
		private:     sc.Private,
		client:      client,
		products:    products,
		handle:      handle,
		cfg:         cfg,
		logger:      logger.With("component", "ingest", "stream", sc.Name),
		now:         time.Now,
		subscribed:  make(map[string]bool),
		subProducts: make(map[string][]string),
		activity:    make(map[string]time.Time),
	}
}

// Name returns the stream's label ("market" or "user").
func (s *Stream) Name() string { return s.name }

// Run keeps the connection alive until the context ends. Consecutive
// failures count against the reconnect budget; any session that reaches
// the subscribed state resets it. Exhausting the budget returns an error.
func (s *Stream) Run(ctx context.Context) error {
	attempts := 0
	backoff := initialBackoff
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempts = 0
			backoff = initialBackoff
		}
		attempts++
		if max := s.reconnectMax(); attempts > max {
			return fmt.Errorf("reconnect budget exhausted after %d attempts: %w", max, err)
		}

		metrics.WSReconnects.WithLabelValues(s.name).Inc()
		s.logger.Warn("stream disconnected, reconnecting",
			"error", err, "attempt", attempts, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if cap := s.reconnectCap(); backoff > cap {
			backoff = cap
		}
	}
}

// session runs one connection from dial to failure. The bool reports
// whether the session got as far as a subscribed connection.
func (s *Stream) session(ctx context.Context) (bool, error) {
	conn, err := s.client.OpenWebSocket(ctx, s.url)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.Close()
	}()

	s.resetSession()
	for _, ch := range s.channels {
		if err := s.subscribe(conn, ch); err != nil {
			return false, err
		}
	}
	s.touch()
	s.logger.Info("stream connected", "channels", s.channels)
	metrics.StreamConnected.WithLabelValues(s.name).Set(1)
	defer metrics.StreamConnected.WithLabelValues(s.name).Set(0)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchdog(watchCtx, conn)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		s.touch()

		var msg types.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring unparseable frame", "bytes", len(data))
			continue
		}
		s.markChannel(msg.Channel, msg.Timestamp)
		metrics.WSMessages.WithLabelValues(s.name, msg.Channel).Inc()
		if err := s.handle(&msg); err != nil {
			return true, err
		}
	}
}

// subscribe sends one subscribe frame, skipping channels already
// subscribed in this session. The product set the frame carried is
// remembered so a later unsubscribe names the same products.
func (s *Stream) subscribe(conn *websocket.Conn, channel string) error {
	s.mu.Lock()
	already := s.subscribed[channel]
	s.mu.Unlock()
	if already {
		return nil
	}

	prods := s.products()
	msg := types.WSSubscribeMsg{
		Type:       "subscribe",
		Channel:    channel,
		ProductIDs: prods,
	}
	if s.private {
		jwt, err := s.client.WSToken()
		if err != nil {
			return fmt.Errorf("ws token: %w", err)
		}
		msg.JWT = jwt
	}
	if err := s.writeFrame(conn, msg); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s.mu.Lock()
	s.subscribed[channel] = true
	s.subProducts[channel] = prods
	s.mu.Unlock()
	return nil
}

// Unsubscribe drops a subscribed channel from the session and tells the
// exchange, when a connection is up. The frame names the products the
// channel was subscribed with, not the current universe.
func (s *Stream) Unsubscribe(channel string) error {
	s.mu.Lock()
	conn := s.conn
	was := s.subscribed[channel]
	prods := s.subProducts[channel]
	delete(s.subscribed, channel)
	delete(s.subProducts, channel)
	delete(s.activity, channel)
	s.mu.Unlock()
	if conn == nil || !was {
		return nil
	}

	msg := types.WSSubscribeMsg{
		Type:       "unsubscribe",
		Channel:    channel,
		ProductIDs: prods,
	}
	if s.private {
		jwt, err := s.client.WSToken()
		if err != nil {
			return fmt.Errorf("ws token: %w", err)
		}
		msg.JWT = jwt
	}
	if err := s.writeFrame(conn, msg); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return nil
}

// Resubscribe reissues every configured channel with the current product
// set, dropping the old subscription first. Called after the traded
// universe changes; without a live connection the next session picks the
// change up on its own.
func (s *Stream) Resubscribe() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	for _, ch := range s.channels {
		if err := s.Unsubscribe(ch); err != nil {
			return err
		}
		if err := s.subscribe(conn, ch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) writeFrame(conn *websocket.Conn, msg types.WSSubscribeMsg) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(s.now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// watchdog force-closes the connection when no frame has arrived within
// the timeout; the blocked read then errors and Run reconnects. It also
// closes the connection on context cancel so shutdown never waits on a
// silent socket.
func (s *Stream) watchdog(ctx context.Context, conn *websocket.Conn) {
	interval := s.cfg.WatchdogInterval
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	timeout := s.cfg.WatchdogTimeout
	if timeout <= 0 {
		timeout = defaultWatchdogTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if idle := s.now().Sub(s.LastActivity()); idle > timeout {
				s.logger.Warn("stream silent, forcing reconnect", "idle", idle)
				conn.Close()
				return
			}
		}
	}
}

func (s *Stream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Stream) resetSession() {
	s.mu.Lock()
	s.subscribed = make(map[string]bool)
	s.subProducts = make(map[string][]string)
	s.activity = make(map[string]time.Time)
	s.mu.Unlock()
}

func (s *Stream) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Stream) markChannel(channel string, frameTime time.Time) {
	if channel == "" {
		return
	}
	s.mu.Lock()
	s.activity[channel] = s.now()
	if channel == "heartbeats" {
		if frameTime.IsZero() {
			frameTime = s.now()
		}
		s.lastBeat = frameTime
	}
	s.mu.Unlock()
}

// LastActivity is the time of the most recent inbound frame.
func (s *Stream) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// LastHeartbeat is the timestamp of the most recent heartbeats frame.
func (s *Stream) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

// ChannelActivity returns a copy of the per-channel activity map.
func (s *Stream) ChannelActivity() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.activity))
	for ch, ts := range s.activity {
		out[ch] = ts
	}
	return out
}

func (s *Stream) reconnectMax() int {
	if s.cfg.ReconnectMax > 0 {
		return s.cfg.ReconnectMax
	}
	return defaultReconnectMax
}

func (s *Stream) reconnectCap() time.Duration {
	if s.cfg.ReconnectCap > 0 {
		return s.cfg.ReconnectCap
	}
	return defaultReconnectCap
}
