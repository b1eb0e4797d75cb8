package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrMissingFields is returned when a request lacks task, url or title.
var ErrMissingFields = errors.New("missing task, url, or title")

// Request asks whether a page distracts from a task.
type Request struct {
	Task  string `json:"task"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Validate checks that every field is set.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Task) == "" || r.URL == "" || r.Title == "" {
		return ErrMissingFields
	}
	return nil
}

// Verdict is the classification result.
type Verdict struct {
	IsDistraction bool    `json:"isDistraction"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason,omitempty"`
}

// Classifier decides whether a page is a distraction.
type Classifier interface {
	Check(ctx context.Context, req Request) (Verdict, error)
}

// Client calls a remote check-sites endpoint.
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient returns a Client for endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

// Check implements Classifier.
func (c *Client) Check(ctx context.Context, req Request) (Verdict, error) {
	if err := req.Validate(); err != nil {
		return Verdict{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("encoding check request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("building check request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("checking site: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("reading check response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verdict{}, fmt.Errorf("check-sites returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return ParseVerdict(string(data)), nil
}

var (
	distractionPattern = regexp.MustCompile(`(?i)isDistraction["\s:]+(\w+)`)
	confidencePattern  = regexp.MustCompile(`(?i)confidence["\s:]+(\d*\.?\d+)`)
)

// ParseVerdict reads a verdict from model or endpoint output. Output that
// is not valid JSON is scanned for isDistraction and confidence values;
// anything unrecognised reads as "not a distraction".
func ParseVerdict(raw string) Verdict {
	raw = strings.TrimSpace(raw)
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return clamp(v)
	}

	if m := distractionPattern.FindStringSubmatch(raw); m != nil {
		v.IsDistraction = strings.EqualFold(m[1], "true")
	}
	if m := confidencePattern.FindStringSubmatch(raw); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			v.Confidence = f
		}
	}
	return clamp(v)
}

func clamp(v Verdict) Verdict {
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v
}
