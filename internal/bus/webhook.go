package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmehdipour/event-outbox/internal/model"
)

// Webhook posts each event as a JSON model.Envelope to one endpoint.
type Webhook struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhook(name, url string, timeout time.Duration, headers map[string]string) *Webhook {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &Webhook{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Publish(ctx context.Context, eventType string, payload []byte, correlationID string) error {
	b, err := json.Marshal(model.Envelope{
		EventType:     eventType,
		CorrelationID: correlationID,
		Payload:       payload,
	})
	if err != nil {
		return Permanent(fmt.Errorf("webhook=%s encode envelope: %w", w.name, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", eventType)
	req.Header.Set("X-Correlation-ID", correlationID)
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	if res.StatusCode/100 == 2 {
		return nil
	}

	err = fmt.Errorf("webhook=%s status=%d", w.name, res.StatusCode)
	switch {
	case res.StatusCode == http.StatusRequestTimeout, res.StatusCode == http.StatusTooManyRequests:
		return err
	case res.StatusCode/100 == 4:
		return Permanent(err)
	}

	return err
}
