// Package pipe implements the C7 HTTP sink: posting normalized packets
// and task-close notifications to the observer pipe endpoints, ported
// from original_source/lib/handler.py's store()/processCloseTask()
// (urlopen/http.client.HTTPConnection calls) onto net/http.Client.
package pipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
)

// Client is the subset of C7 internal/handler.Pipe needs.
type Client interface {
	Send(ctx context.Context, packets []observer.Packet) error
	Save(ctx context.Context, uid string, raw []byte) error
	CloseTask(ctx context.Context, taskID string, data any) error
}

// HTTPClient posts form-urlencoded bodies to pipeSetUrl/pipeFinishUrl,
// treating any non-2xx response as failure, matching
// AbstractHandler.store()'s FalconAnswer.isSuccess() check.
type HTTPClient struct {
	SetURL    string
	FinishURL string
	HTTP      *http.Client
}

// NewHTTPClient builds an HTTPClient with a bounded request timeout, the
// generalization of the original's bare urlopen/HTTPConnection calls
// (which carried no deadline) into a production-safe client.
func NewHTTPClient(setURL, finishURL string) *HTTPClient {
	return &HTTPClient{
		SetURL:    setURL,
		FinishURL: finishURL,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the packet batch to pipeSetUrl as JSON under the "config"
// form field, the same field name getTaskData/processData uses for its
// urlencoded body.
func (c *HTTPClient) Send(ctx context.Context, packets []observer.Packet) error {
	body, err := json.Marshal(packets)
	if err != nil {
		return fmt.Errorf("pipe: marshaling packets: %w", err)
	}
	form := url.Values{"config": {string(body)}}
	return c.post(ctx, c.SetURL, form)
}

// Save is a no-op at the HTTP layer: spooling on failure is
// pkg/gpsgateway/storage's job, wired by internal/handler.Session
// directly rather than through this client.
func (c *HTTPClient) Save(_ context.Context, _ string, _ []byte) error { return nil }

// CloseTask posts to pipeFinishUrl with "id_action" and, when data is
// non-nil, a JSON-encoded "data" field, mirroring
// AbstractHandler.getTaskData/processCloseTask.
func (c *HTTPClient) CloseTask(ctx context.Context, taskID string, data any) error {
	form := url.Values{"id_action": {taskID}}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("pipe: marshaling close-task data: %w", err)
		}
		form.Set("data", string(encoded))
	}
	return c.post(ctx, c.FinishURL, form)
}

func (c *HTTPClient) post(ctx context.Context, target string, form url.Values) error {
	if target == "" {
		return fmt.Errorf("pipe: no endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return fmt.Errorf("pipe: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/plain")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("pipe: posting to %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pipe: %s returned status %d", target, resp.StatusCode)
	}
	return nil
}
