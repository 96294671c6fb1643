package outbound

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/outreach/internal/ratelimit"
)

func TestDispatcher_SendsAndRecords(t *testing.T) {
	m := NewLogMessenger(nil)
	d := NewDispatcher(m, ratelimit.New(60, 5), nil)

	if err := d.Send(context.Background(), "pat@example.com", "hello there"); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := m.Sent()
	if len(sent) != 1 || sent[0].Text != "hello there" {
		t.Fatalf("sent = %#v", sent)
	}
}

func TestDispatcher_ThrottlesPerContact(t *testing.T) {
	m := NewLogMessenger(nil)
	d := NewDispatcher(m, ratelimit.New(60, 1), nil)
	ctx := context.Background()

	if err := d.Send(ctx, "a@example.com", "one"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	err := d.Send(ctx, "a@example.com", "two")
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("err = %v, want ErrThrottled", err)
	}
	// Other contacts have their own budget.
	if err := d.Send(ctx, "b@example.com", "three"); err != nil {
		t.Fatalf("other contact send: %v", err)
	}
	if got := len(m.Sent()); got != 2 {
		t.Fatalf("delivered = %d, want 2 (throttled send must not deliver)", got)
	}
}

func TestDispatcher_EmptyContactRejected(t *testing.T) {
	d := NewDispatcher(NewLogMessenger(nil), nil, nil)
	if err := d.Send(context.Background(), "", "text"); err == nil {
		t.Fatal("empty contact accepted")
	}
}

func TestTelegramMessenger_RejectsNonNumericContact(t *testing.T) {
	m := NewTelegramMessenger("test-token", nil)
	if err := m.Send(context.Background(), "pat@example.com", "hi"); err == nil {
		t.Fatal("non-numeric contact accepted")
	}
}
