package devstack

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Event mirrors the daemon's event wire format. Only the fields the
// client needs are included.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Project   string    `json:"project,omitempty"`
	Service   string    `json:"service,omitempty"`
	Operation string    `json:"operation,omitempty"`
	State     string    `json:"state,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Replicas  int       `json:"replicas,omitempty"`
	Log       *LogEntry `json:"log,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogEntry is a chunk of service output carried by a service.log event.
type LogEntry struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// StreamOptions configures Events.
type StreamOptions struct {
	FromSeq     uint64 // resume after this sequence number
	IncludeLogs bool   // also stream service.log events
}

// Events connects to the environment's SSE stream and delivers events
// on the returned channel until ctx is cancelled or the stream ends.
// The channel is closed on exit; check the error func for the cause.
func (c *Client) Events(ctx context.Context, project string, opts StreamOptions) (<-chan Event, func() error) {
	ch := make(chan Event)
	var streamErr error

	url := fmt.Sprintf("%s/environments/%s/events", c.baseURL, project)
	if opts.IncludeLogs {
		url += "?logs=true"
	}

	go func() {
		defer close(ch)
		streamErr = c.streamSSE(ctx, url, opts.FromSeq, ch)
	}()

	return ch, func() error { return streamErr }
}

func (c *Client) streamSSE(ctx context.Context, url string, fromSeq uint64, ch chan<- Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create SSE request: %w", err)
	}
	if fromSeq > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", fromSeq))
	}

	// SSE connections outlive the client's request timeout.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var data string

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")

		case line == "":
			if data == "" {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				data = ""
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
			data = ""
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream read: %w", err)
	}
	return nil
}

// WaitForEvent streams events until one matches, returning it.
func (c *Client) WaitForEvent(ctx context.Context, project string, match func(Event) bool) (Event, error) {
	ch, errFn := c.Events(ctx, project, StreamOptions{})
	for ev := range ch {
		if match(ev) {
			return ev, nil
		}
	}
	if err := errFn(); err != nil {
		return Event{}, err
	}
	return Event{}, fmt.Errorf("event stream closed before a matching event")
}
