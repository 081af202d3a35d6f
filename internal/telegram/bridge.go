// Package telegram bridges one agent's chat channel to Telegram.
// Inbound messages from allow-listed users become TEXT envelopes on the
// agent's chat subject; the agent's replies come back over the bus and
// are delivered to the originating chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/mycelis/swarm/internal/config"
	"github.com/mycelis/swarm/internal/envelope"
	"github.com/mycelis/swarm/internal/relay"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

type Bridge struct {
	bot     *telego.Bot
	handler *th.BotHandler
	relay   *relay.Client
	cfg     config.TelegramConfig
	cancel  context.CancelFunc

	// pending maps a trace id to the chat that opened it, so a reply
	// envelope finds its way back without Telegram state on the bus.
	mu      sync.Mutex
	pending map[string]int64
}

func NewBridge(cfg config.TelegramConfig, rc *relay.Client) (*Bridge, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bridge{
		bot:     bot,
		relay:   rc,
		cfg:     cfg,
		pending: make(map[string]int64),
	}, nil
}

func (b *Bridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	// The agent replies to the bridge's inbox.
	if err := b.relay.Subscribe(envelope.SubjectAgentInput(b.relay.AgentID()), b.handleReply); err != nil {
		cancel()
		return err
	}

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	slog.Info("telegram bridge started", "agent", b.cfg.Agent)
	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil {
		return
	}
	if !allowed(b.cfg.AllowFrom, msg.From.ID) {
		slog.Warn("unauthorized telegram user", "user_id", msg.From.ID, "chat_id", msg.Chat.ID)
		return
	}

	text := msg.Text
	if text == "" {
		if msg.Caption == "" {
			return
		}
		text = msg.Caption
	}

	_ = b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(msg.Chat.ID), "typing"))

	env := envelope.NewText(b.relay.AgentID(), b.relay.TeamID(), text, b.cfg.Agent, "ask", "", map[string]any{
		"channel": "telegram",
		"chat_id": strconv.FormatInt(msg.Chat.ID, 10),
	})

	b.mu.Lock()
	b.pending[env.TraceID] = msg.Chat.ID
	b.mu.Unlock()

	if err := b.relay.Publish(envelope.SubjectChatAgent(b.cfg.Agent), env); err != nil {
		slog.Error("publish telegram message", "error", err)
		_ = b.SendMessage(ctx, msg.Chat.ID, "Sorry, I could not reach the agent.")
	}
}

func (b *Bridge) handleReply(env *envelope.Envelope) {
	if env.Type != envelope.TypeText || env.Text == nil {
		return
	}

	chatID, ok := b.resolveChat(env)
	if !ok {
		return
	}

	if err := b.SendMessage(context.Background(), chatID, env.Text.Content); err != nil {
		slog.Error("send telegram reply", "chat", chatID, "error", err)
	}
}

// resolveChat finds the destination chat for a reply: the trace opened
// by an inbound message wins, then an explicit chat_id in the envelope
// context. Traces are one-shot; the entry is consumed.
func (b *Bridge) resolveChat(env *envelope.Envelope) (int64, bool) {
	b.mu.Lock()
	chatID, ok := b.pending[env.TraceID]
	if ok {
		delete(b.pending, env.TraceID)
	}
	b.mu.Unlock()
	if ok {
		return chatID, true
	}

	if raw, found := env.Context["chat_id"].(string); found {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

func (b *Bridge) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, 4096) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func allowed(allowFrom []int64, userID int64) bool {
	if len(allowFrom) == 0 {
		return true
	}
	for _, id := range allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}
