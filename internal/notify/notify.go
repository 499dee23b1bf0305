// Package notify carries the circuit-breaker signal emitted when a user is
// locked. Signals go to WebSocket subscribers (Hub) and to a Redis pub/sub
// channel (RedisPublisher) so collaborators can react without polling.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel carrying circuit-breaker signals.
const Channel = "circuit_breaker"

// KindFraudDetected marks a fraud lock.
const KindFraudDetected = "FRAUD_DETECTED"

// ErrMalformedSignal is returned by ParseSignal for unrecognised payloads.
var ErrMalformedSignal = errors.New("notify: malformed signal")

// Signal is one circuit-breaker notification.
type Signal struct {
	Kind      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// FraudDetected builds the signal for a user lock.
func FraudDetected(userID, reason string) Signal {
	return Signal{Kind: KindFraudDetected, UserID: userID, Reason: reason, Timestamp: time.Now().UTC()}
}

// Wire is the pub/sub payload: "KIND:user:reason".
func (s Signal) Wire() string {
	return fmt.Sprintf("%s:%s:%s", s.Kind, s.UserID, s.Reason)
}

// ParseSignal decodes a pub/sub payload. The reason may itself contain colons.
func ParseSignal(payload string) (Signal, error) {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Signal{}, fmt.Errorf("%w: %q", ErrMalformedSignal, payload)
	}
	sig := Signal{Kind: parts[0], UserID: parts[1], Timestamp: time.Now().UTC()}
	if len(parts) == 3 {
		sig.Reason = parts[2]
	}
	return sig, nil
}

// Notifier delivers a signal.
type Notifier interface {
	Notify(ctx context.Context, sig Signal) error
}

// Fanout delivers to every notifier. A failing notifier does not stop the
// others; the errors are joined.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, sig Signal) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisPublisher publishes signals to the circuit_breaker channel.
type RedisPublisher struct {
	rdb redis.Cmdable
}

// NewRedisPublisher creates a publisher on rdb.
func NewRedisPublisher(rdb redis.Cmdable) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Notify(ctx context.Context, sig Signal) error {
	if err := p.rdb.Publish(ctx, Channel, sig.Wire()).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel, err)
	}
	return nil
}

// Relay subscribes to the circuit_breaker channel and forwards every signal
// to dst until ctx is done.
func Relay(ctx context.Context, rdb *redis.Client, dst Notifier) error {
	sub := rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	slog.Info("relaying circuit-breaker signals", "channel", Channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			sig, err := ParseSignal(msg.Payload)
			if err != nil {
				slog.Warn("dropping circuit-breaker payload", "err", err)
				continue
			}
			if err := dst.Notify(ctx, sig); err != nil {
				slog.Warn("relay delivery failed", "user", sig.UserID, "err", err)
			}
		}
	}
}
