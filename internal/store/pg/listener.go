package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"insightdash.io/internal/obs"
	"insightdash.io/internal/stream"
)

// ChangeChannel is the notification channel the change triggers publish on.
const ChangeChannel = "subscription_changes"

// Listener turns Postgres notifications into stream changes. It holds one
// dedicated connection and reconnects with backoff when it drops.
type Listener struct {
	dsn        string
	publish    func(stream.Change)
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewListener(dsn string, publish func(stream.Change)) *Listener {
	return &Listener{
		dsn:        dsn,
		publish:    publish,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run blocks until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		obs.Logger().Warn("change_listener_disconnected",
			"channel", ChangeChannel,
			"error", err.Error(),
			"retry_in", backoff.String(),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	obs.Logger().Info("change_listener_started", "channel", ChangeChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		c, err := ParseChange(n.Payload)
		if err != nil {
			obs.Logger().Warn("change_payload_invalid", "payload", n.Payload, "error", err.Error())
			continue
		}
		l.publish(c)
	}
}

type changePayload struct {
	UserID string `json:"user_id"`
	Table  string `json:"table"`
}

// ParseChange decodes a trigger payload of the form
// {"user_id":"...","table":"..."}.
func ParseChange(payload string) (stream.Change, error) {
	var p changePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return stream.Change{}, err
	}
	if p.UserID == "" {
		return stream.Change{}, errors.New("payload without user_id")
	}
	return stream.Change{UserID: p.UserID, Table: p.Table, At: time.Now().UTC()}, nil
}
