package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bookd/internal/types"
)

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// TokenSource resolves a provider's FCM device tokens.
type TokenSource interface {
	DeviceTokens(ctx context.Context, providerID types.ID) ([]string, error)
}

// FCM delivers offers as Firebase Cloud Messaging data messages. Delivery counts as
// successful when at least one of the provider's devices accepted the message.
type FCM struct {
	client  messageSender
	tokens  TokenSource
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewFCM(client *messaging.Client, tokens TokenSource, ratePerSec float64, log *zap.Logger) *FCM {
	return newFCM(client, tokens, ratePerSec, log)
}

func newFCM(client messageSender, tokens TokenSource, ratePerSec float64, log *zap.Logger) *FCM {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	return &FCM{client: client, tokens: tokens, limiter: rate.NewLimiter(limit, burst), log: log}
}

func (f *FCM) Notify(ctx context.Context, o Offer) error {
	tokens, err := f.tokens.DeviceTokens(ctx, o.ProviderID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return ErrNoDevice
	}

	var lastErr error
	delivered := 0
	for _, token := range tokens {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		messageID, err := f.client.Send(ctx, offerMessage(token, o))
		if err != nil {
			lastErr = fmt.Errorf("sending FCM to provider %s: %w", o.ProviderID, err)
			continue
		}
		delivered++
		f.log.Debug("offer pushed",
			zap.String("assignment_id", string(o.AssignmentID)),
			zap.String("message_id", messageID))
	}
	if delivered == 0 {
		return lastErr
	}
	return nil
}

func offerMessage(token string, o Offer) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":          "new_assignment",
			"booking_id":    string(o.BookingID),
			"assignment_id": string(o.AssignmentID),
			"service_id":    string(o.ServiceID),
			"scheduled_at":  o.ScheduledAt.UTC().Format(time.RFC3339),
			"expires_at":    o.ExpiresAt.UTC().Format(time.RFC3339),
			"score":         strconv.FormatFloat(o.Score, 'f', 1, 64),
		},
		Notification: &messaging.Notification{
			Title: "New booking request",
			Body:  fmt.Sprintf("Respond before %s", o.ExpiresAt.UTC().Format("15:04")),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      ttlPtr(o.TTL),
		},
	}
}

func ttlPtr(d time.Duration) *time.Duration {
	if d < 0 {
		d = 0
	}
	return &d
}
