package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/betbot/storage"
	"github.com/web3guy0/betbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Sequence notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Sequence lifecycle alerts (start/escalate/win/loss)
//   📊 Session statistics on demand (/stats, /sequences)
//   🎛️ Control commands (/pause, /resume, /status)
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider answers the reporting commands; the storage layer
// satisfies it.
type StatsProvider interface {
	GetSessionStats() (*storage.SessionStats, error)
	GetRecentSequences(limit int) ([]storage.Sequence, error)
	GetStepAttempts(sequenceID string) ([]storage.StepAttempt, error)
}

// BalanceProvider reads the venue account balance; the execution client
// satisfies it.
type BalanceProvider interface {
	Balance(ctx context.Context, account types.AccountKind) (decimal.Decimal, error)
}

// TriggerScheduler registers timed shots; the scheduler satisfies it.
type TriggerScheduler interface {
	Schedule(at time.Time, trend types.Trend) (string, error)
	Cancel(id string) error
}

// FeedStatus reports whether the venue push feed is up; the websocket
// feed satisfies it.
type FeedStatus interface {
	Connected() bool
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	account types.AccountKind
	running bool
	stopCh  chan struct{}

	stats     StatsProvider
	balance   BalanceProvider
	scheduler TriggerScheduler
	feed      FeedStatus

	onPause  func()
	onResume func()
}

// NewTelegramBot creates a bot bound to one authorized chat.
func NewTelegramBot(token string, chatID int64, account types.AccountKind, stats StatsProvider, balance BalanceProvider) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:     api,
		chatID:  chatID,
		account: account,
		stopCh:  make(chan struct{}),
		stats:   stats,
		balance: balance,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	return bot, nil
}

// SetScheduler enables the /schedule command.
func (b *TelegramBot) SetScheduler(s TriggerScheduler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduler = s
}

// SetFeedStatus adds the push-feed line to /status.
func (b *TelegramBot) SetFeedStatus(f FeedStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feed = f
}

// SetControlCallbacks sets pause/resume handlers.
func (b *TelegramBot) SetControlCallbacks(onPause, onResume func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPause = onPause
	b.onResume = onResume
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifySequenceStarted announces a new recovery sequence.
func (b *TelegramBot) NotifySequenceStarted(asset string, trend types.Trend, stake decimal.Decimal, maxSteps int) {
	emoji := "🟢"
	if trend == types.TrendPut {
		emoji = "🔴"
	}

	msg := fmt.Sprintf(`%s *SEQUENCE STARTED*

📊 *%s* — %s
━━━━━━━━━━━━━━━━
💵 Base stake: *%s*
🪜 Max steps: *%d*`,
		emoji,
		asset, strings.ToUpper(string(trend)),
		stake.String(),
		maxSteps,
	)

	b.sendMarkdown(msg)
}

// NotifyStepAdvance announces an escalation after a lost step.
func (b *TelegramBot) NotifyStepAdvance(asset string, step int, stake, totalRisk decimal.Decimal) {
	msg := fmt.Sprintf(`🪜 *ESCALATING*

📊 %s — step *%d*
💵 Stake: *%s*
⚠️ At risk so far: *%s*`,
		asset, step,
		stake.String(),
		totalRisk.String(),
	)

	b.sendMarkdown(msg)
}

// NotifySequenceCompleted announces a terminal sequence state.
func (b *TelegramBot) NotifySequenceCompleted(rec types.SequenceRecord) {
	switch rec.State {
	case "COMPLETED_WIN":
		msg := fmt.Sprintf(`💰 *SEQUENCE WON*

📊 %s after *%d* step(s)
📈 Recovered: *+%s*`,
			rec.Asset, rec.Steps,
			rec.Recovered.String(),
		)
		b.sendMarkdown(msg)

	case "COMPLETED_LOSS":
		assumed := ""
		if rec.AssumedLosses > 0 {
			assumed = fmt.Sprintf("\n⏱️ Assumed losses (timeout): *%d*", rec.AssumedLosses)
		}
		msg := fmt.Sprintf(`📉 *SEQUENCE LOST*

📊 %s — all %d steps lost
💵 Total loss: *-%s*%s`,
			rec.Asset, rec.Steps,
			rec.TotalLoss.String(),
			assumed,
		)
		b.sendMarkdown(msg)

	default:
		msg := fmt.Sprintf(`⚠️ *SEQUENCE CANCELLED*

📊 %s at step %d
💵 Loss carried: *%s*`,
			rec.Asset, rec.Steps,
			rec.TotalLoss.String(),
		)
		b.sendMarkdown(msg)
	}
}

// NotifyTriggerSkipped announces a scheduled trigger that did not fire.
func (b *TelegramBot) NotifyTriggerSkipped(at time.Time, reason string) {
	msg := fmt.Sprintf("⏭️ *TRIGGER SKIPPED*\n\n🗓️ %s\n📝 %s",
		at.Format("15:04:05"), reason)
	b.sendMarkdown(msg)
}

// NotifyError sends an error alert.
func (b *TelegramBot) NotifyError(err error) {
	msg := fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error())
	b.sendMarkdown(msg)
}

// NotifyStartup sends the startup notification.
func (b *TelegramBot) NotifyStartup(mode string) {
	balanceStr := "N/A"
	if b.balance != nil {
		if bal, err := b.balance.Balance(context.Background(), b.account); err == nil {
			balanceStr = bal.String()
		}
	}

	msg := fmt.Sprintf(`🚀 *BETBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
🏦 Account: *%s*
💰 Balance: *%s*

━━━━━━━━━━━━━━━━━━━━
Use /help for commands`, mode, b.account, balanceStr)

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "balance":
		b.cmdBalance()
	case "stats":
		b.cmdStats()
	case "sequences":
		b.cmdSequences()
	case "schedule":
		b.cmdSchedule(msg.CommandArguments())
	case "steps":
		b.cmdSteps(strings.TrimSpace(msg.CommandArguments()))
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *BETBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Bot status
💰 /balance — Account balance
📈 /stats — Session statistics
📜 /sequences — Last 10 sequences
🪜 /steps <id> — Step trail of a sequence
🗓️ /schedule HH:MM:SS call|put — Timed shot
⏸️ /pause — Pause new sequences
▶️ /resume — Resume
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	balanceStr := "N/A"
	if b.balance != nil {
		if bal, err := b.balance.Balance(context.Background(), b.account); err == nil {
			balanceStr = bal.String()
		}
	}

	b.mu.RLock()
	feed := b.feed
	b.mu.RUnlock()

	feedStr := "N/A"
	if feed != nil {
		if feed.Connected() {
			feedStr = "🟢 connected"
		} else {
			feedStr = "🔴 disconnected"
		}
	}

	msg := fmt.Sprintf(`📊 *BOT STATUS*
━━━━━━━━━━━━━━━━━━━━

🟢 RUNNING
🏦 Account: *%s*
💰 Balance: *%s*
📡 Feed: *%s*`, b.account, balanceStr, feedStr)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStats() {
	if b.stats == nil {
		b.send("❌ Stats not available")
		return
	}

	stats, err := b.stats.GetSessionStats()
	if err != nil {
		b.send("❌ Failed to fetch stats")
		return
	}

	winRate := float64(0)
	finished := stats.Wins + stats.Losses
	if finished > 0 {
		winRate = float64(stats.Wins) / float64(finished) * 100
	}

	sign := "+"
	if stats.NetProfit.IsNegative() {
		sign = ""
	}

	msg := fmt.Sprintf(`📈 *SESSION STATS*
━━━━━━━━━━━━━━━━━━━━

📊 Sequences: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
⚠️ Cancelled: *%d*
⏱️ Assumed losses: *%d*
📈 Win Rate: *%.1f%%*

━━━━━━━━━━━━━━━━━━━━
💵 Net: *%s%s*`,
		stats.TotalSequences, stats.Wins, stats.Losses,
		stats.Cancelled, stats.AssumedLosses, winRate,
		sign, stats.NetProfit.String(),
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdSequences() {
	if b.stats == nil {
		b.send("❌ Sequences not available")
		return
	}

	seqs, err := b.stats.GetRecentSequences(10)
	if err != nil {
		b.send("❌ Failed to fetch sequences")
		return
	}

	if len(seqs) == 0 {
		b.send("📭 No sequence history yet")
		return
	}

	msg := "📜 *LAST 10 SEQUENCES*\n━━━━━━━━━━━━━━━━━━━━\n\n"

	for _, s := range seqs {
		stateEmoji := "⚠️"
		result := s.TotalLoss.Neg().String()
		switch s.State {
		case "COMPLETED_WIN":
			stateEmoji = "💰"
			result = "+" + s.Recovered.String()
		case "COMPLETED_LOSS":
			stateEmoji = "📉"
		}

		msg += fmt.Sprintf("%s %s %s — %d step(s) | %s\n   _%s_\n\n",
			stateEmoji, s.Asset, strings.ToUpper(s.Trend),
			s.Steps, result,
			s.FinishedAt.Format("Jan 2 15:04"),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdSteps(sequenceID string) {
	if b.stats == nil {
		b.send("❌ Steps not available")
		return
	}
	if sequenceID == "" {
		b.send("Usage: /steps <sequence id>")
		return
	}

	steps, err := b.stats.GetStepAttempts(sequenceID)
	if err != nil {
		b.send("❌ Failed to fetch steps")
		return
	}
	if len(steps) == 0 {
		b.send("📭 No steps recorded for that sequence")
		return
	}

	msg := "🪜 *STEP TRAIL*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, s := range steps {
		statusEmoji := "📉"
		switch s.Status {
		case "win":
			statusEmoji = "💰"
		case "draw":
			statusEmoji = "🔁"
		}
		msg += fmt.Sprintf("%s Step %d — %s | stake %s | via %s\n   _%s_\n\n",
			statusEmoji, s.Step, s.Status,
			s.Stake.String(), s.Channel,
			s.SettledAt.Format("Jan 2 15:04:05"),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdSchedule(args string) {
	b.mu.RLock()
	scheduler := b.scheduler
	b.mu.RUnlock()

	if scheduler == nil {
		b.send("❌ Scheduler not available")
		return
	}

	fields := strings.Fields(args)
	if len(fields) != 2 {
		b.send("Usage: /schedule HH:MM:SS call|put")
		return
	}

	clock, err := time.Parse("15:04:05", fields[0])
	if err != nil {
		b.send("❌ Bad time, expected HH:MM:SS")
		return
	}

	var trend types.Trend
	switch strings.ToLower(fields[1]) {
	case "call":
		trend = types.TrendCall
	case "put":
		trend = types.TrendPut
	default:
		b.send("❌ Trend must be call or put")
		return
	}

	// Next occurrence of that wall-clock time.
	now := time.Now()
	at := time.Date(now.Year(), now.Month(), now.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location())
	if !at.After(now) {
		at = at.Add(24 * time.Hour)
	}

	id, err := scheduler.Schedule(at, trend)
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}

	msg := fmt.Sprintf("🗓️ Scheduled *%s* at *%s*\n`%s`",
		strings.ToUpper(string(trend)), at.Format("15:04:05"), id)
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdBalance() {
	if b.balance == nil {
		b.send("❌ Balance not available")
		return
	}

	balance, err := b.balance.Balance(context.Background(), b.account)
	if err != nil {
		b.send("❌ Failed to fetch balance")
		return
	}

	msg := fmt.Sprintf(`💰 *ACCOUNT BALANCE*
━━━━━━━━━━━━━━━━━━━━

🏦 %s
💵 Available: *%s*`,
		b.account,
		balance.String(),
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPause() {
	b.mu.RLock()
	cb := b.onPause
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}

	b.send("⏸️ New sequences paused")
	log.Info().Msg("Sequences paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	b.mu.RLock()
	cb := b.onResume
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}

	b.send("▶️ Sequences resumed")
	log.Info().Msg("Sequences resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
