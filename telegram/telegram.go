// Package telegram delivers alerts as Telegram bot messages.
package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"slotwatch/pkg/slotwatch"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Messenger is the part of the bot API used here. *bot.Bot implements it.
type Messenger interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Sender sends alerts through a bot.
type Sender struct {
	bot    Messenger
	logger *slog.Logger
}

// NewBot creates a bot client for token without calling getMe at startup.
func NewBot(token string) (*bot.Bot, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return b, nil
}

// New creates a Sender.
func New(m Messenger, logger *slog.Logger) *Sender {
	return &Sender{bot: m, logger: logger}
}

// Send implements sink.Sender. target is the numeric chat id.
func (s *Sender) Send(ctx context.Context, target string, a slotwatch.Alert) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", target, err)
	}
	text := Render(a)

	return retry.Do(
		func() error {
			start := time.Now()
			_, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
				ChatID:    chatID,
				Text:      text,
				ParseMode: models.ParseModeHTML,
			})
			if err != nil {
				s.logger.Warn("Telegram send failed, will retry",
					"chat_id", chatID,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
	)
}

// Render formats an alert as Telegram HTML.
func Render(a slotwatch.Alert) string {
	var b strings.Builder
	if a.Reopened {
		b.WriteString("🎟 <b>Slots available</b>\n")
	} else {
		b.WriteString("🔄 <b>Availability changed</b>\n")
	}
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(a.ProductName))
	fmt.Fprintf(&b, "📅 %s", html.EscapeString(a.Date))
	if a.Language != "" {
		fmt.Fprintf(&b, " · %s", html.EscapeString(strings.ToUpper(a.Language)))
	}
	fmt.Fprintf(&b, " · %d visitors\n", a.Visitors)

	if len(a.Slots) == 0 {
		b.WriteString("\nNo bookable times right now.\n")
	}
	if len(a.Preferred) > 0 {
		b.WriteString("\n⭐ Preferred: ")
		b.WriteString(joinTimes(a.Preferred))
		b.WriteString("\n")
	}
	if len(a.Others) > 0 {
		if len(a.Preferred) > 0 {
			b.WriteString("Other: ")
		} else {
			b.WriteString("\nTimes: ")
		}
		b.WriteString(joinTimes(a.Others))
		b.WriteString("\n")
	}
	if a.BookingURL != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Book now</a>", html.EscapeString(a.BookingURL))
	}
	return b.String()
}

func joinTimes(slots []slotwatch.Slot) string {
	times := make([]string, 0, len(slots))
	for _, s := range slots {
		times = append(times, html.EscapeString(s.Time))
	}
	return strings.Join(times, ", ")
}
