package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/archon/internal/bus"
	"github.com/nextlevelbuilder/archon/internal/config"
)

// telegramMessageLimit is the Bot API's per-message text cap in characters.
const telegramMessageLimit = 4096

// Telegram receives updates via long polling and sends replies rate-limited
// to stay under the Bot API's global send budget.
type Telegram struct {
	bot       *telego.Bot
	msgBus    *bus.MessageBus
	allowFrom map[string]bool
	limiter   *rate.Limiter

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewTelegram builds the adapter. An empty allow list admits everyone.
func NewTelegram(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Telegram, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allow[id] = true
	}
	return &Telegram{
		bot:       bot,
		msgBus:    msgBus,
		allowFrom: allow,
		// The Bot API allows ~30 messages/second overall; stay under it.
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}, nil
}

func (t *Telegram) PlatformType() string { return "telegram" }

func (t *Telegram) StreamingMode() StreamingMode { return ModeBatch }

func (t *Telegram) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel
	t.pollDone = make(chan struct{})

	updates, err := t.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram adapter connected", "username", t.bot.Username())

	go func() {
		defer close(t.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					t.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

func (t *Telegram) handleMessage(msg *telego.Message) {
	if msg.Text == "" {
		return
	}
	if !t.allowed(msg) {
		slog.Debug("telegram message rejected by allow list",
			"chat_id", msg.Chat.ID)
		return
	}
	t.msgBus.PublishInbound(bus.InboundMessage{
		PlatformType:           t.PlatformType(),
		PlatformConversationID: strconv.FormatInt(msg.Chat.ID, 10),
		Text:                   msg.Text,
	})
}

func (t *Telegram) allowed(msg *telego.Message) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	if t.allowFrom[strconv.FormatInt(msg.Chat.ID, 10)] {
		return true
	}
	if msg.From != nil {
		if t.allowFrom[strconv.FormatInt(msg.From.ID, 10)] {
			return true
		}
		if msg.From.Username != "" && t.allowFrom[msg.From.Username] {
			return true
		}
	}
	return false
}

// SendMessage splits text into API-sized chunks, preferring line boundaries,
// and paces sends through the limiter.
func (t *Telegram) SendMessage(ctx context.Context, platformConversationID, text string) error {
	chatID, err := strconv.ParseInt(platformConversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram conversation id %q: %w", platformConversationID, err)
	}
	for _, chunk := range splitMessage(text, telegramMessageLimit) {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (t *Telegram) Stop(ctx context.Context) error {
	if t.pollCancel != nil {
		t.pollCancel()
	}
	if t.pollDone != nil {
		select {
		case <-t.pollDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// splitMessage cuts text into rune-safe pieces of at most limit characters,
// breaking at the last newline inside the window when one exists.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = append(parts, string(runes))
			break
		}
		cut := limit
		window := string(runes[:limit])
		if i := strings.LastIndexByte(window, '\n'); i > 0 {
			cut = len([]rune(window[:i])) + 1
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	return parts
}
