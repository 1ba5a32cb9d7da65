package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/betbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENUE PUSH FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Consumes the venue's push stream: trade-closed events and balance
// updates. Events carry no correlation id, so they are handed raw to
// the reconciler which does the matching.
//
// Hold() keeps the socket warm for the scheduler's pre-warm phase.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// VenueFeed manages the WebSocket connection and event distribution
type VenueFeed struct {
	mu sync.RWMutex

	wsURL     string
	authToken string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	// Handlers receive raw push events
	tradeHandlers   []func(types.TradeClosedEvent)
	balanceHandlers []func(types.BalanceEvent)

	// Pre-warm hold count; while > 0 the ping cadence tightens
	holds int
}

// NewVenueFeed creates a new feed instance
func NewVenueFeed(wsURL, authToken string) *VenueFeed {
	return &VenueFeed{
		wsURL:     wsURL,
		authToken: authToken,
		stopCh:    make(chan struct{}),
	}
}

// Start connects and begins processing
func (f *VenueFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📡 Venue feed started")
}

// Stop closes the connection
func (f *VenueFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}

	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}

	log.Info().Msg("Venue feed stopped")
}

// OnTradeClosed registers a handler for trade-closed push events.
func (f *VenueFeed) OnTradeClosed(h func(types.TradeClosedEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeHandlers = append(f.tradeHandlers, h)
}

// OnBalance registers a handler for balance-changed push events.
func (f *VenueFeed) OnBalance(h func(types.BalanceEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceHandlers = append(f.balanceHandlers, h)
}

// Hold primes the connection for an imminent submission: it pings
// immediately so a dead socket reconnects before fire time instead of
// during it. The returned release func ends the hold.
func (f *VenueFeed) Hold() func() {
	f.mu.Lock()
	f.holds++
	conn := f.conn
	connected := f.connected
	f.mu.Unlock()

	if connected && conn != nil {
		conn.WriteMessage(websocket.PingMessage, nil)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.holds--
			f.mu.Unlock()
		})
	}
}

// Connected reports whether the socket is currently up.
func (f *VenueFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// connectionLoop maintains the WebSocket connection
func (f *VenueFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

// connect establishes WebSocket connection
func (f *VenueFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Info().Msg("🔌 WebSocket connected")

	if f.authToken != "" {
		msg := map[string]interface{}{
			"type":  "auth",
			"token": f.authToken,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}

	// Start ping loop
	go f.pingLoop()

	return nil
}

// pingLoop sends periodic pings to keep connection alive
func (f *VenueFeed) pingLoop() {
	// during a pre-warm hold we ping every second, off-hold every 30s
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastPing := time.Now()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			connected := f.connected
			held := f.holds > 0
			f.mu.RUnlock()

			if !connected || conn == nil {
				return
			}
			if held || time.Since(lastPing) >= pingInterval {
				conn.WriteMessage(websocket.PingMessage, nil)
				lastPing = time.Now()
			}
		}
	}
}

// readLoop reads messages from WebSocket
func (f *VenueFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

// WSMessage is a push envelope from the venue
type WSMessage struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	Stake      string `json:"amount"`
	Trend      string `json:"trend"`
	Payout     string `json:"win_amount"`
	Account    string `json:"account_type"`
	Balance    string `json:"balance"`
	FinishedAt int64  `json:"finished_ts"` // unix millis
}

// processMessage handles incoming WebSocket messages
func (f *VenueFeed) processMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	now := time.Now()

	switch msg.Type {
	case "trade_closed", "trade_result":
		status := normalizeStatus(msg.Status)
		if status == "" {
			// not a terminal status, ignore
			return
		}
		ev := types.TradeClosedEvent{
			Status:     status,
			Stake:      parseDecimal(msg.Stake),
			Trend:      types.Trend(msg.Trend),
			Payout:     parseDecimal(msg.Payout),
			Account:    types.AccountKind(msg.Account),
			ReceivedAt: now,
		}
		if msg.FinishedAt > 0 {
			ev.FinishedAt = time.UnixMilli(msg.FinishedAt)
		}
		f.mu.RLock()
		handlers := f.tradeHandlers
		f.mu.RUnlock()
		for _, h := range handlers {
			h(ev)
		}

	case "balance_changed", "balance":
		ev := types.BalanceEvent{
			Balance:    parseDecimal(msg.Balance),
			Account:    types.AccountKind(msg.Account),
			ReceivedAt: now,
		}
		f.mu.RLock()
		handlers := f.balanceHandlers
		f.mu.RUnlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

func normalizeStatus(s string) types.OutcomeStatus {
	switch s {
	case "win", "won":
		return types.OutcomeWin
	case "loss", "lost", "lose":
		return types.OutcomeLoss
	case "draw", "equal", "tie":
		return types.OutcomeDraw
	}
	return ""
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
