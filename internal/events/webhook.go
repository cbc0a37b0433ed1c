package events

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
)

const (
	webhookAttempts      = 3
	webhookMaxRetryAfter = 30 * time.Second
)

// WebhookPublisher отправляет события POST-запросом на внешний адрес.
// Ответ 429 повторяется после паузы из заголовка Retry-After.
type WebhookPublisher struct {
	url        string
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewWebhookPublisher создаёт HTTP-публикатор для указанного адреса.
func NewWebhookPublisher(url string) *WebhookPublisher {
	url = strings.TrimRight(url, "/")
	if url != "" && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return &WebhookPublisher{
		url: url,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		sleep: sleepContext,
	}
}

func (p *WebhookPublisher) PublishStatusChanged(ctx context.Context, evt model.OrderStatusChanged) error {
	if p == nil || p.url == "" {
		return fmt.Errorf("events webhook not configured")
	}

	body, err := repository.Encode(evt)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		code, retryAfter, err := p.send(ctx, body, evt.OrderID)
		if err != nil {
			return err
		}
		if code != http.StatusTooManyRequests {
			return nil
		}
		if attempt == webhookAttempts {
			return fmt.Errorf("events webhook throttled after %d attempts", attempt)
		}
		if err := p.sleep(ctx, min(max(retryAfter, time.Second), webhookMaxRetryAfter)); err != nil {
			return err
		}
	}
}

// send выполняет один запрос и возвращает код ответа и паузу из Retry-After.
func (p *WebhookPublisher) send(ctx context.Context, body []byte, orderID string) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", EventType)
	req.Header.Set("Idempotency-Key", orderID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return resp.StatusCode, 0, nil
}

func (p *WebhookPublisher) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
