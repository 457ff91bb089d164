package kite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vnarwal17/zerodha/shared"
	"go.uber.org/atomic"
)

const (
	// DefaultTickerURL is the Kite Connect streaming endpoint.
	DefaultTickerURL = "wss://ws.kite.trade"
	// tickBufferSize is the buffer size of the tick channel.
	tickBufferSize = 1024
	// priceDivisor converts streamed paise to rupees.
	priceDivisor = 100.0

	// Streamed packet lengths by mode.
	ltpPacket        = 8
	indexQuotePacket = 28
	indexFullPacket  = 32
	quotePacket      = 44
	fullPacket       = 184

	// modeQuote streams ohlc and volume without market depth.
	modeQuote = "quote"
)

// TickerConfig represents the configuration of the live tick streamer.
type TickerConfig struct {
	// URL is the streaming endpoint, defaults to DefaultTickerURL.
	URL string
	// APIKey is the Kite Connect app key.
	APIKey string
	// AccessToken returns the current access token of the session.
	AccessToken func() string
	// ReconnectStep is the delay added per failed reconnect attempt.
	ReconnectStep time.Duration
	// MaxReconnectDelay caps the reconnect delay.
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts is the number of consecutive failed connects tolerated.
	MaxReconnectAttempts int
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the ticker logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *TickerConfig) Validate() error {
	var errs error

	if cfg.APIKey == "" {
		errs = errors.Join(errs, fmt.Errorf("api key cannot be empty"))
	}
	if cfg.AccessToken == nil {
		errs = errors.Join(errs, fmt.Errorf("access token function cannot be nil"))
	}
	if cfg.ReconnectStep <= 0 || cfg.MaxReconnectDelay < cfg.ReconnectStep {
		errs = errors.Join(errs, fmt.Errorf("reconnect delays must be positive and capped above the step"))
	}
	if cfg.MaxReconnectAttempts <= 0 {
		errs = errors.Join(errs, fmt.Errorf("max reconnect attempts must be positive"))
	}
	if cfg.Now == nil {
		errs = errors.Join(errs, fmt.Errorf("now function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Ticker streams live ticks of subscribed instruments, reconnecting with
// increasing delays and resubscribing on every reconnect.
type Ticker struct {
	cfg       *TickerConfig
	conn      *websocket.Conn
	connMtx   sync.Mutex
	tokens    map[uint32]struct{}
	tokensMtx sync.Mutex
	ticks     chan shared.Tick
	connected *atomic.Bool
	attempts  *atomic.Int32
}

// Ensure the ticker implements the TickSubscriber interface.
var _ shared.TickSubscriber = (*Ticker)(nil)

// NewTicker initializes a new live tick streamer.
func NewTicker(cfg *TickerConfig) (*Ticker, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultTickerURL
	}
	if cfg.ReconnectStep == 0 {
		cfg.ReconnectStep = time.Second * 10
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = time.Minute * 5
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 10
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating ticker config: %w", err)
	}

	return &Ticker{
		cfg:       cfg,
		tokens:    make(map[uint32]struct{}),
		ticks:     make(chan shared.Tick, tickBufferSize),
		connected: atomic.NewBool(false),
		attempts:  atomic.NewInt32(0),
	}, nil
}

// Ticks returns the channel live ticks are delivered on.
func (t *Ticker) Ticks() <-chan shared.Tick {
	return t.ticks
}

// Connected checks whether the streaming connection is up.
func (t *Ticker) Connected() bool {
	return t.connected.Load()
}

// Subscribed returns the subscribed tokens in ascending order.
func (t *Ticker) Subscribed() []uint32 {
	t.tokensMtx.Lock()
	defer t.tokensMtx.Unlock()

	set := make([]uint32, 0, len(t.tokens))
	for token := range t.tokens {
		set = append(set, token)
	}

	slices.Sort(set)
	return set
}

// ReconnectDelay returns the wait before the provided reconnect attempt.
func (t *Ticker) ReconnectDelay(attempt int) time.Duration {
	delay := t.cfg.ReconnectStep * time.Duration(attempt)
	if delay > t.cfg.MaxReconnectDelay {
		delay = t.cfg.MaxReconnectDelay
	}

	return delay
}

// send writes the provided control message on the live connection.
func (t *Ticker) send(action string, value any) error {
	msg, err := json.Marshal(map[string]any{"a": action, "v": value})
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", action, err)
	}

	t.connMtx.Lock()
	defer t.connMtx.Unlock()

	if t.conn == nil {
		return nil
	}

	err = t.conn.WriteMessage(websocket.TextMessage, msg)
	if err != nil {
		return fmt.Errorf("sending %s message: %w", action, err)
	}

	return nil
}

// subscribe requests quote mode ticks of the provided tokens.
func (t *Ticker) subscribe(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}

	err := t.send("subscribe", tokens)
	if err != nil {
		return err
	}

	return t.send("mode", []any{modeQuote, tokens})
}

// Subscribe adds the provided tokens to the live feed. Tokens subscribed
// while disconnected are sent once the connection is up.
func (t *Ticker) Subscribe(tokens []uint32) error {
	t.tokensMtx.Lock()
	for _, token := range tokens {
		t.tokens[token] = struct{}{}
	}
	t.tokensMtx.Unlock()

	if !t.connected.Load() {
		return nil
	}

	return t.subscribe(tokens)
}

// Unsubscribe removes the provided tokens from the live feed.
func (t *Ticker) Unsubscribe(tokens []uint32) error {
	t.tokensMtx.Lock()
	for _, token := range tokens {
		delete(t.tokens, token)
	}
	t.tokensMtx.Unlock()

	if !t.connected.Load() || len(tokens) == 0 {
		return nil
	}

	return t.send("unsubscribe", tokens)
}

// streamURL returns the authenticated streaming url.
func (t *Ticker) streamURL() string {
	params := url.Values{}
	params.Set("api_key", t.cfg.APIKey)
	params.Set("access_token", t.cfg.AccessToken())

	return t.cfg.URL + "?" + params.Encode()
}

// sendTick relays the provided tick for processing.
func (t *Ticker) sendTick(tick shared.Tick) {
	select {
	case t.ticks <- tick:
		// do nothing.
	default:
		t.cfg.Logger.Error().Msgf("tick channel at capacity: %d/%d", len(t.ticks), tickBufferSize)
	}
}

// stream reads frames off the provided connection until it fails.
func (t *Ticker) stream(ctx context.Context, conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("reading ticker frame: %w", err)
		}

		switch kind {
		case websocket.BinaryMessage:
			ticks, err := ParseFrame(data, t.cfg.Now())
			if err != nil {
				t.cfg.Logger.Error().Msgf("parsing ticker frame: %v", err)
				continue
			}

			for idx := range ticks {
				t.sendTick(ticks[idx])
			}
		case websocket.TextMessage:
			t.cfg.Logger.Debug().Msgf("ticker message: %s", data)
		}
	}
}

// connect dials the streaming endpoint and resubscribes all tokens.
func (t *Ticker) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing ticker: %w", err)
	}

	t.connMtx.Lock()
	t.conn = conn
	t.connMtx.Unlock()

	t.connected.Store(true)
	t.attempts.Store(0)

	tokens := t.Subscribed()
	err = t.subscribe(tokens)
	if err != nil {
		t.disconnect()
		return nil, fmt.Errorf("resubscribing: %w", err)
	}

	t.cfg.Logger.Info().Msgf("ticker connected, subscribed to %d instruments", len(tokens))

	return conn, nil
}

// disconnect closes the live connection.
func (t *Ticker) disconnect() {
	t.connected.Store(false)

	t.connMtx.Lock()
	defer t.connMtx.Unlock()

	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// Run manages the lifecycle processes of the ticker. It returns once the
// context is done or reconnect attempts are exhausted.
func (t *Ticker) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.disconnect()
	}()

	for {
		conn, err := t.connect(ctx)
		if err == nil {
			err = t.stream(ctx, conn)
			t.disconnect()
		}

		if ctx.Err() != nil {
			return nil
		}

		attempt := int(t.attempts.Inc())
		if attempt > t.cfg.MaxReconnectAttempts {
			return fmt.Errorf("ticker stopped reconnecting after %d attempts: %w", attempt-1, err)
		}

		delay := t.ReconnectDelay(attempt)
		t.cfg.Logger.Warn().Msgf("ticker disconnected (%v), reconnecting in %s (attempt %d)",
			err, delay, attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// ParseFrame parses the ticks of a binary ticker frame. Heartbeat frames
// carry no ticks.
func ParseFrame(data []byte, at time.Time) ([]shared.Tick, error) {
	if len(data) < 2 {
		return nil, nil
	}

	count := int(binary.BigEndian.Uint16(data[0:2]))
	ticks := make([]shared.Tick, 0, count)
	offset := 2
	for idx := 0; idx < count; idx++ {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("frame truncated at packet %d header", idx)
		}

		size := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+size > len(data) {
			return nil, fmt.Errorf("frame truncated at packet %d, want %d bytes, have %d",
				idx, size, len(data)-offset)
		}

		tick, ok := parsePacket(data[offset:offset+size], at)
		if ok {
			ticks = append(ticks, tick)
		}

		offset += size
	}

	return ticks, nil
}

// field reads the big endian int32 at the provided field index of a packet.
func field(packet []byte, idx int) int32 {
	return int32(binary.BigEndian.Uint32(packet[idx*4 : idx*4+4]))
}

// parsePacket parses a single instrument packet.
func parsePacket(packet []byte, at time.Time) (shared.Tick, bool) {
	switch len(packet) {
	case ltpPacket, indexQuotePacket, indexFullPacket:
		return shared.Tick{
			Token:     uint32(field(packet, 0)),
			LastPrice: float64(field(packet, 1)) / priceDivisor,
			Timestamp: at,
		}, true
	case quotePacket, fullPacket:
		tick := shared.Tick{
			Token:     uint32(field(packet, 0)),
			LastPrice: float64(field(packet, 1)) / priceDivisor,
			Volume:    float64(field(packet, 4)),
			Timestamp: at,
		}

		if len(packet) == fullPacket {
			ts := field(packet, 15)
			if ts > 0 {
				tick.Timestamp = time.Unix(int64(ts), 0).In(at.Location())
			}
		}

		return tick, true
	default:
		return shared.Tick{}, false
	}
}
