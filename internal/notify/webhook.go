package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tradeescrow/internal/outbox"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts notifications as JSON to a fixed URL.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhook(url, secret string) Webhook {
	return Webhook{URL: url, Secret: secret, Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

func (w Webhook) Notify(ctx context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Notification", string(n.Kind))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Escrow-Signature", outbox.Sign(w.Secret, data))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", w.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("notify %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
