package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ari/wisp/internal/tracker"
)

// BatchIDHeader carries a per-attempt id so the receiver can drop retries
// it has already stored.
const BatchIDHeader = "X-Batch-ID"

// Row is one entry of the wire batch.
type Row struct {
	UserID   string `json:"user_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Duration int64  `json:"duration"`
}

// Request is the body posted to the sync endpoint.
type Request struct {
	ScreenTimeData []Row `json:"screenTimeData"`
}

// Response is the acknowledgement expected back.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HTTPSink posts batches to the remote sync endpoint. Anything other than
// a 2xx carrying {"success": true} is a failure.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	newID    func() string
}

// NewHTTPSink returns a sink for endpoint with the given request timeout.
func NewHTTPSink(endpoint string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		newID:    func() string { return uuid.NewString() },
	}
}

// Post implements tracker.Sink.
func (s *HTTPSink) Post(ctx context.Context, userID string, batch []tracker.Entry) error {
	req := Request{ScreenTimeData: make([]Row, 0, len(batch))}
	for _, e := range batch {
		req.ScreenTimeData = append(req.ScreenTimeData, Row{
			UserID:   userID,
			URL:      e.URL,
			Title:    e.Title,
			Duration: e.Duration,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(BatchIDHeader, s.newID())

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting batch: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading sync response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sync endpoint returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var ack Response
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("decoding sync response: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("sync was not successful: %s", ack.Message)
	}
	return nil
}
