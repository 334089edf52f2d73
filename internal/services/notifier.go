package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clinic-flow/models"
	"clinic-flow/utils"

	pubnub "github.com/pubnub/go"
)

// Notifier delivers notifications to the admin channel. Failures are the
// caller's to log; they never affect an event's outcome.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// PubNubNotifier publishes notifications on a PubNub channel behind a
// circuit breaker.
type PubNubNotifier struct {
	channel string
	breaker *utils.CircuitBreaker
	publish func(channel string, message interface{}) error
}

func NewPubNubNotifier(pn *pubnub.PubNub, channel string) *PubNubNotifier {
	return newPubNubNotifier(channel, func(channel string, message interface{}) error {
		_, _, err := pn.Publish().
			Channel(channel).
			Message(message).
			Execute()
		return err
	})
}

func newPubNubNotifier(channel string, publish func(string, interface{}) error) *PubNubNotifier {
	return &PubNubNotifier{
		channel: channel,
		breaker: utils.NewCircuitBreaker("pubnub-notify", 5, 30*time.Second),
		publish: publish,
	}
}

func (p *PubNubNotifier) Notify(ctx context.Context, n models.Notification) error {
	return p.breaker.Execute(func() error {
		done := make(chan error, 1)
		go func() {
			done <- p.publish(p.channel, n)
		}()

		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("publish to %s: %w", p.channel, err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// LogNotifier writes notifications to the log. Used when no PubNub keys are
// configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n models.Notification) error {
	slog.Info("Notification", "type", n.Type, "clinic_id", n.ClinicID, "session_id", n.SessionID, "message", n.Message)
	return nil
}
