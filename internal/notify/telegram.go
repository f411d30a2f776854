package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultRate       = 20.0
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Client is the part of tgbotapi.BotAPI used for delivery.
type Client interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends messages and documents through the Bot API, throttled to a
// fixed rate. A 429 answer is retried after the interval Telegram asks for.
type Telegram struct {
	client     Client
	limiter    *rate.Limiter
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	logger     zerolog.Logger
}

func NewTelegram(client Client, ratePerSecond float64, logger zerolog.Logger) *Telegram {
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRate
	}
	return &Telegram{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1),
		maxRetries: defaultMaxRetries,
		sleep:      sleepCtx,
		logger:     logger.With().Str("component", "notify").Logger(),
	}
}

// Send delivers a plain text message.
func (t *Telegram) Send(ctx context.Context, recipientID int64, text string) error {
	msg := tgbotapi.NewMessage(recipientID, text)
	msg.DisableWebPagePreview = true
	return t.deliver(ctx, recipientID, msg)
}

// SendDocument uploads the content of r as a file named name.
func (t *Telegram) SendDocument(ctx context.Context, recipientID int64, name string, r io.Reader, caption string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read document %s: %w", name, err)
	}
	doc := tgbotapi.NewDocument(recipientID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	return t.deliver(ctx, recipientID, doc)
}

func (t *Telegram) deliver(ctx context.Context, recipientID int64, c tgbotapi.Chattable) error {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		_, err := t.client.Send(c)
		if err == nil {
			return nil
		}
		lastErr = err

		wait, retry := retryAfter(err, attempt)
		if !retry || attempt == t.maxRetries {
			break
		}
		t.logger.Warn().
			Err(err).
			Int64("recipient_id", recipientID).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("telegram rate limited, retrying")
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("send to %d: %w", recipientID, lastErr)
}

// retryAfter reports whether err is a 429 and how long to wait before the
// next attempt.
func retryAfter(err error, attempt int) (time.Duration, bool) {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) || tgErr.Code != http.StatusTooManyRequests {
		return 0, false
	}
	if tgErr.RetryAfter > 0 {
		return time.Duration(tgErr.RetryAfter) * time.Second, true
	}
	return defaultRetryDelay * time.Duration(attempt+1), true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
