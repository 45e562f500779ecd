package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushSender reaches a recipient that has no live realtime session.
type PushSender interface {
	Push(ctx context.Context, recipientID string, ev models.Event) error
}

// HTTPPush posts events to a push gateway in the FCM HTTP v1 message
// shape, authenticating with a bearer key when one is configured.
type HTTPPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPush(endpoint, key string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPPush) Push(ctx context.Context, recipientID string, ev models.Event) error {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"topic": recipientID,
			"data": map[string]string{
				"event":   ev.Name,
				"payload": string(ev.Payload),
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
