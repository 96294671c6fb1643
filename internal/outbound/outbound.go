// Package outbound delivers agent-authored messages to subjects over a
// messaging channel, throttled per contact by an injected rate limiter.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/outreach/internal/ratelimit"
	"github.com/basket/outreach/internal/shared"
)

// ErrThrottled reports that the per-contact rate limit denied the send.
// Callers may retry later; the message was not delivered.
var ErrThrottled = errors.New("outbound send throttled")

// Messenger delivers one message to a contact on a specific platform.
type Messenger interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	Send(ctx context.Context, contact, text string) error
}

// Dispatcher wraps a Messenger with per-contact throttling and logging.
type Dispatcher struct {
	messenger Messenger
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
}

func NewDispatcher(m Messenger, limiter *ratelimit.Limiter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{messenger: m, limiter: limiter, logger: logger}
}

// Send delivers text to contact, consuming one rate limit token for the
// contact first. A denied token returns ErrThrottled without side effects.
func (d *Dispatcher) Send(ctx context.Context, contact, text string) error {
	if contact == "" {
		return fmt.Errorf("empty contact")
	}
	if d.limiter != nil && !d.limiter.Allow(contact) {
		d.logger.Warn("outbound send throttled",
			"channel", d.messenger.Name(),
			"contact", shared.RedactContact(contact))
		return ErrThrottled
	}
	if err := d.messenger.Send(ctx, contact, text); err != nil {
		return fmt.Errorf("send via %s: %w", d.messenger.Name(), err)
	}
	d.logger.Info("outbound message sent",
		"channel", d.messenger.Name(),
		"contact", shared.RedactContact(contact),
		"chars", len(text))
	return nil
}

// SentMessage is one recorded delivery.
type SentMessage struct {
	Contact string
	Text    string
}

// LogMessenger records sends in memory and logs them. It is the default
// channel when no platform credentials are configured.
type LogMessenger struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []SentMessage
}

func NewLogMessenger(logger *slog.Logger) *LogMessenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMessenger{logger: logger}
}

func (m *LogMessenger) Name() string { return "log" }

func (m *LogMessenger) Send(_ context.Context, contact, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, SentMessage{Contact: contact, Text: text})
	m.mu.Unlock()
	m.logger.Info("outbound message (log channel)",
		"contact", shared.RedactContact(contact), "text", text)
	return nil
}

// Sent returns a copy of all recorded deliveries.
func (m *LogMessenger) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
