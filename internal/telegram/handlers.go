// Package telegram is the operator bot: payment lookups, audit tail and
// manual campaign relinking.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/beton-ads/beton/internal/reconcile"
	"github.com/beton-ads/beton/internal/storage"
)

const auditTail = 10

// Store is what the bot reads from the ledger
type Store interface {
	PaymentByKey(ctx context.Context, key string) (*storage.Payment, error)
	PaymentByID(ctx context.Context, id string) (*storage.Payment, error)
	CampaignsByPayment(ctx context.Context, key string) ([]storage.Campaign, error)
	AuditEntries(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

// Relinker retries campaign linking for a confirmed payment
type Relinker interface {
	Relink(ctx context.Context, key string) reconcile.Outcome
}

// RelinkerFunc adapts a function to Relinker
type RelinkerFunc func(ctx context.Context, key string) reconcile.Outcome

func (f RelinkerFunc) Relink(ctx context.Context, key string) reconcile.Outcome {
	return f(ctx, key)
}

// Bot wraps the telegram bot with handlers
type Bot struct {
	bot      *bot.Bot
	admins   map[int64]bool
	store    Store
	relinker Relinker
	log      *zap.Logger
}

// New creates a new telegram bot. Only chats listed in admins get answers.
func New(token string, admins map[int64]bool, store Store, relinker Relinker, log *zap.Logger) (*Bot, error) {
	b := &Bot{
		admins:   admins,
		store:    store,
		relinker: relinker,
		log:      log,
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
		bot.WithCallbackQueryDataHandler("relink:", bot.MatchTypePrefix, b.callbackHandler),
	}

	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	b.bot = tgBot

	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, b.startHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypeExact, b.startHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/payment", bot.MatchTypePrefix, b.paymentHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/relink", bot.MatchTypePrefix, b.relinkHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/audit", bot.MatchTypeExact, b.auditHandler)

	return b, nil
}

// Start starts the bot polling
func (b *Bot) Start(ctx context.Context) {
	b.bot.Start(ctx)
}

func (b *Bot) allowed(update *models.Update) bool {
	var chatID int64
	switch {
	case update.Message != nil:
		chatID = update.Message.Chat.ID
	case update.CallbackQuery != nil:
		chatID = update.CallbackQuery.From.ID
	default:
		return false
	}
	if !b.admins[chatID] {
		b.log.Warn("ignoring update from unknown chat", zap.Int64("chat_id", chatID))
		return false
	}
	return true
}

// --- Handlers ---

func (b *Bot) startHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || !b.allowed(update) {
		return
	}
	b.sendMessage(ctx, update.Message.Chat.ID, helpText, nil)
}

const helpText = "<b>Beton operator</b>\n\n" +
	"/payment &lt;key&gt; - payment status and campaigns\n" +
	"/relink &lt;key&gt; - retry linking campaigns of a confirmed payment\n" +
	"/audit - last audit entries"

func (b *Bot) defaultHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || !b.allowed(update) {
		return
	}
	b.sendMessage(ctx, update.Message.Chat.ID, "Unknown command. Try /help", nil)
}

func (b *Bot) paymentHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || !b.allowed(update) {
		return
	}
	chatID := update.Message.Chat.ID

	key := commandArg(update.Message.Text)
	if key == "" {
		b.sendMessage(ctx, chatID, "Usage: /payment &lt;key&gt;", nil)
		return
	}

	p, err := b.store.PaymentByKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		b.sendMessage(ctx, chatID, "❌ No payment with key <code>"+html.EscapeString(key)+"</code>", nil)
		return
	}
	if err != nil {
		b.log.Error("lookup payment", zap.String("key", key), zap.Error(err))
		b.sendMessage(ctx, chatID, "❌ Ledger error", nil)
		return
	}

	campaigns, err := b.store.CampaignsByPayment(ctx, key)
	if err != nil {
		b.log.Error("lookup campaigns", zap.String("key", key), zap.Error(err))
	}

	var kb *models.InlineKeyboardMarkup
	if p.Status() == storage.StatusConfirmed && hasUnlinked(campaigns) {
		kb = RelinkKeyboard(p.ID)
	}
	b.sendMessage(ctx, chatID, FormatPayment(p, campaigns, time.Now().UTC()), kb)
}

func (b *Bot) relinkHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || !b.allowed(update) {
		return
	}
	chatID := update.Message.Chat.ID

	key := commandArg(update.Message.Text)
	if key == "" {
		b.sendMessage(ctx, chatID, "Usage: /relink &lt;key&gt;", nil)
		return
	}

	out := b.relinker.Relink(ctx, key)
	b.log.Info("operator relink", zap.Int64("chat_id", chatID), zap.String("key", key), zap.Stringer("outcome", out))
	b.sendMessage(ctx, chatID, FormatOutcome(out), nil)
}

func (b *Bot) auditHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || !b.allowed(update) {
		return
	}
	chatID := update.Message.Chat.ID

	entries, err := b.store.AuditEntries(ctx, auditTail)
	if err != nil {
		b.log.Error("read audit log", zap.Error(err))
		b.sendMessage(ctx, chatID, "❌ Ledger error", nil)
		return
	}
	b.sendMessage(ctx, chatID, FormatAudit(entries), nil)
}

func (b *Bot) callbackHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.CallbackQuery == nil {
		return
	}

	cq := update.CallbackQuery
	if _, err := tgBot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cq.ID,
	}); err != nil {
		b.log.Debug("answer callback", zap.Error(err))
	}

	if !b.allowed(update) || cq.Message.Message == nil {
		return
	}
	chatID := cq.Message.Message.Chat.ID
	msgID := cq.Message.Message.ID

	paymentID := strings.TrimPrefix(cq.Data, "relink:")
	p, err := b.store.PaymentByID(ctx, paymentID)
	if err != nil {
		b.log.Error("lookup payment for relink", zap.String("payment_id", paymentID), zap.Error(err))
		b.editMessage(ctx, chatID, msgID, "❌ Payment not found", nil)
		return
	}

	out := b.relinker.Relink(ctx, p.Key)
	b.log.Info("operator relink", zap.Int64("chat_id", chatID), zap.String("key", p.Key), zap.Stringer("outcome", out))

	var kb *models.InlineKeyboardMarkup
	if out.Result == reconcile.ResultRejected && out.Reason == reconcile.ReasonLinkFailed {
		kb = RelinkKeyboard(p.ID)
	}
	b.editMessage(ctx, chatID, msgID, FormatOutcome(out), kb)
}

// --- Helpers ---

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) {
	if err := b.SendNotification(ctx, chatID, text, keyboard); err != nil {
		b.log.Error("send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) editMessage(ctx context.Context, chatID int64, msgID int, text string, keyboard *models.InlineKeyboardMarkup) {
	params := &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: msgID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	if _, err := b.bot.EditMessageText(ctx, params); err != nil {
		b.log.Error("edit message", zap.Error(err))
	}
}

// SendNotification sends an HTML message to a chat
func (b *Bot) SendNotification(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) error {
	disablePreview := true
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disablePreview,
		},
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.SendMessage(ctx, params)
	return err
}

// Alert sends text to every operator chat. A non-empty paymentID attaches a
// relink button.
func (b *Bot) Alert(ctx context.Context, text, paymentID string) error {
	var kb *models.InlineKeyboardMarkup
	if paymentID != "" {
		kb = RelinkKeyboard(paymentID)
	}

	var errs []error
	for chatID := range b.admins {
		if err := b.SendNotification(ctx, chatID, text, kb); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func commandArg(text string) string {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func hasUnlinked(campaigns []storage.Campaign) bool {
	for _, c := range campaigns {
		if !c.Linked() {
			return true
		}
	}
	return false
}

// FormatPayment renders a payment and its campaigns as HTML
func FormatPayment(p *storage.Payment, campaigns []storage.Campaign, now time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "💳 <b>Payment</b> <code>%s</code>\n", html.EscapeString(p.Key))
	fmt.Fprintf(&sb, "Provider: %s\n", html.EscapeString(p.Provider))
	fmt.Fprintf(&sb, "Status: <b>%s</b>\n", p.Status())
	fmt.Fprintf(&sb, "Expected: %s %s\n", p.Expected.String(), html.EscapeString(p.Currency))
	if p.Status() != storage.StatusUnseen {
		fmt.Fprintf(&sb, "Received: %s\n", formatTime(p.ReceivedAt))
	}
	if p.Status() == storage.StatusConfirmed {
		fmt.Fprintf(&sb, "Confirmed: %s\n", formatTime(p.ConfirmedAt))
	}
	if p.TxRef != "" {
		fmt.Fprintf(&sb, "Tx: <code>%s</code>\n", html.EscapeString(p.TxRef))
	}

	if len(campaigns) == 0 {
		sb.WriteString("\nNo campaigns")
		return sb.String()
	}

	sb.WriteString("\n<b>Campaigns</b>\n")
	for _, c := range campaigns {
		state := "inactive"
		switch {
		case c.Running(now):
			state = "running"
		case c.Active:
			state = "active"
		}
		link := "not linked"
		switch {
		case c.Linked():
			link = "linked"
		case c.LinkUnknown():
			link = "link unknown"
		}
		fmt.Fprintf(&sb, "• #%d zone %d: %s, %s\n", c.ID, c.ZoneID, state, link)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatOutcome renders the result of a relink
func FormatOutcome(out reconcile.Outcome) string {
	key := html.EscapeString(out.Key)
	switch out.Result {
	case reconcile.ResultApplied:
		text := "✅ Campaigns of <code>" + key + "</code> linked"
		if len(out.Warnings) > 0 {
			text += "\n\n⚠️ " + html.EscapeString(strings.Join(out.Warnings, "\n⚠️ "))
		}
		return text
	case reconcile.ResultNoOp:
		return "ℹ️ Nothing to do for <code>" + key + "</code>: " + string(out.Reason)
	default:
		text := "❌ Relink of <code>" + key + "</code> rejected: " + string(out.Reason)
		if len(out.Warnings) > 0 {
			text += "\n\n⚠️ " + html.EscapeString(strings.Join(out.Warnings, "\n⚠️ "))
		}
		return text
	}
}

// FormatAudit renders audit entries, newest first
func FormatAudit(entries []storage.AuditEntry) string {
	if len(entries) == 0 {
		return "📜 Audit log is empty"
	}

	var sb strings.Builder
	sb.WriteString("📜 <b>Audit log</b>\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n<i>%s</i> user %d\n%s\n", formatTime(e.LoggedAt), e.UserID, html.EscapeString(e.Message))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatTime(t time.Time) string {
	if t.Equal(storage.NotYet) {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
