package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"
	"github.com/nkoutso/federa/internal/natsbus"
)

const telegramMessageLimit = 4096

// Notifier forwards noteworthy federation events to a Telegram chat. It is
// send-only; inbound Telegram traffic is ignored.
type Notifier struct {
	bot    *telego.Bot
	chatID int64
}

func New(token string, chatID int64) (*Notifier, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

// Event is the shape every component publishes on the events bus.
type Event struct {
	Type       string         `json:"type"`
	SwarmID    string         `json:"swarm_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	ProposalID string         `json:"proposal_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Start watches the federation event stream and forwards alerts until ctx is
// cancelled.
func (n *Notifier) Start(ctx context.Context, events *natsbus.Client) error {
	sub, err := events.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		n.handle(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	slog.Info("telegram notifier started", "chat", n.chatID)
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (n *Notifier) handle(ctx context.Context, data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Warn("notifier dropped malformed event", "error", err)
		return
	}

	text := formatAlert(event)
	if text == "" {
		return
	}
	if err := n.Send(ctx, text); err != nil {
		slog.Error("failed to send telegram alert", "chat", n.chatID, "error", err)
	}
}

// formatAlert renders the alert text for an event, or "" for event types that
// are not worth a notification.
func formatAlert(event Event) string {
	switch event.Type {
	case "swarm_status_changed":
		return fmt.Sprintf("swarm %s is now %v", event.SwarmID, event.Data["status"])
	case "proposal_finalized":
		return fmt.Sprintf("proposal %s finalized: %v (%v votes)", event.ProposalID, event.Data["status"], event.Data["votes"])
	default:
		return ""
	}
}

func (n *Notifier) Send(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, telegramMessageLimit) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits text into pieces that fit Telegram's message size
// limit, preferring to break at a newline.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
