package parallel

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/gridfill/gridfill-cli/internal/resilience"
	"github.com/gridfill/gridfill-cli/internal/sse"
)

// EventStream is an open SSE subscription to a task group's event feed.
type EventStream struct {
	body   io.ReadCloser
	reader *sse.Reader
}

// Next returns the next frame, io.EOF on clean upstream close, or the
// transport error that broke the stream.
func (s *EventStream) Next() (sse.Frame, error) {
	return s.reader.Next()
}

// Close terminates the subscription.
func (s *EventStream) Close() error {
	return s.body.Close()
}

func (c *httpClient) StreamEvents(ctx context.Context, groupID string) (*EventStream, error) {
	path := fmt.Sprintf("/v1beta/tasks/groups/%s/events", groupID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, eris.Wrap(err, "parallel: create events request")
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "parallel: open event stream")
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}

	return &EventStream{
		body:   resp.Body,
		reader: sse.NewReader(resp.Body),
	}, nil
}
