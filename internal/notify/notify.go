// Package notify pushes operator-facing events out of process. The relay
// subscribes to the bus and forwards the events a human cares about:
// approvals waiting on them, tasks that failed, and mode flips.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/foreman/internal/bus"
)

// Notifier delivers one message to the operator.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// TelegramNotifier sends messages to a fixed chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier authenticates against the Bot API.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (t *TelegramNotifier) Notify(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Relay forwards operator-relevant bus events to a Notifier.
type Relay struct {
	logger   *slog.Logger
	bus      *bus.Bus
	notifier Notifier
}

// NewRelay builds a relay. notifier may be nil, in which case Run returns
// immediately.
func NewRelay(logger *slog.Logger, b *bus.Bus, notifier Notifier) *Relay {
	return &Relay{
		logger:   logger.With("component", "notify_relay"),
		bus:      b,
		notifier: notifier,
	}
}

// Run consumes events until ctx is cancelled. Delivery failures are logged
// and dropped; notifications are best-effort by design of the bus.
func (r *Relay) Run(ctx context.Context) {
	if r.notifier == nil {
		return
	}
	sub := r.bus.Subscribe("")
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			text := format(ev)
			if text == "" {
				continue
			}
			if err := r.notifier.Notify(ctx, text); err != nil {
				r.logger.Warn("notify failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

// format renders the events worth interrupting a human for. Everything else
// maps to an empty string and is skipped.
func format(ev bus.Event) string {
	switch ev.Topic {
	case bus.TopicApprovalRequested:
		if p, ok := ev.Payload.(bus.ApprovalEvent); ok {
			return fmt.Sprintf("⏳ Approval needed [%s]\n%s", p.RequestID, p.Summary)
		}
	case bus.TopicApprovalExpired:
		if p, ok := ev.Payload.(bus.ApprovalEvent); ok {
			return fmt.Sprintf("⛔ Approval %s expired; task %s denied", p.RequestID, p.TaskID)
		}
	case bus.TopicTaskFailed:
		if p, ok := ev.Payload.(bus.TaskEvent); ok {
			return fmt.Sprintf("❌ Task %s failed: %s", p.TaskID, p.Reason)
		}
	case bus.TopicModeChanged:
		if p, ok := ev.Payload.(bus.ModeChangedEvent); ok {
			return fmt.Sprintf("🔀 Mode %s → %s (%s)", p.OldMode, p.NewMode, p.Cause)
		}
	}
	return ""
}
