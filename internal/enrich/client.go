package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gridfill/gridfill-cli/internal/model"
	"github.com/gridfill/gridfill-cli/internal/sse"
)

// ErrDuplicateStream is returned when the gateway rejects a second
// concurrent stream for the same task group. It is an expected condition
// under duplicated setup calls, never retried and never surfaced as a
// failure.
var ErrDuplicateStream = eris.New("enrich: stream already active for task group")

// EventSource is an open event stream from the gateway.
type EventSource interface {
	Next() (sse.Frame, error)
	Close() error
}

// GatewayClient is the orchestrator's view of the task-group gateway.
type GatewayClient interface {
	Submit(ctx context.Context, req model.SubmitRequest) (*model.SubmitResponse, error)
	OpenStream(ctx context.Context, taskGroupID string) (EventSource, error)
	Cancel(ctx context.Context, taskGroupID string) error
}

// GatewayOption configures the HTTP gateway client.
type GatewayOption func(*httpGateway)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) GatewayOption {
	return func(g *httpGateway) {
		g.http = hc
	}
}

type httpGateway struct {
	baseURL string
	http    *http.Client
}

// NewGatewayClient creates a GatewayClient talking to the gateway at
// baseURL. The HTTP client carries no overall timeout because OpenStream
// holds its connection for the life of a task group.
func NewGatewayClient(baseURL string, opts ...GatewayOption) GatewayClient {
	g := &httpGateway{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *httpGateway) Submit(ctx context.Context, req model.SubmitRequest) (*model.SubmitResponse, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "gateway client: encode submit")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/spreadsheet/parallel", bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "gateway client: create submit request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "gateway client: submit")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "gateway client: read submit response")
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr model.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, eris.Errorf("gateway client: submit failed: %s", apiErr.Error)
		}
		return nil, eris.Errorf("gateway client: submit failed with status %d", resp.StatusCode)
	}

	var out model.SubmitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "gateway client: decode submit response")
	}
	return &out, nil
}

func (g *httpGateway) OpenStream(ctx context.Context, taskGroupID string) (EventSource, error) {
	url := fmt.Sprintf("%s/api/spreadsheet/parallel?taskgroup_id=%s", g.baseURL, taskGroupID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "gateway client: create stream request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "gateway client: open stream")
	}

	if resp.StatusCode == http.StatusConflict {
		_ = resp.Body.Close()
		return nil, ErrDuplicateStream
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, eris.Errorf("gateway client: stream rejected with status %d: %s", resp.StatusCode, string(body))
	}

	return &httpEventSource{body: resp.Body, reader: sse.NewReader(resp.Body)}, nil
}

func (g *httpGateway) Cancel(ctx context.Context, taskGroupID string) error {
	raw, _ := json.Marshal(model.CancelRequest{TaskGroupID: taskGroupID})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.baseURL+"/api/spreadsheet/parallel", bytes.NewReader(raw))
	if err != nil {
		return eris.Wrap(err, "gateway client: create cancel request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "gateway client: cancel")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("gateway client: cancel failed with status %d", resp.StatusCode)
	}
	return nil
}

type httpEventSource struct {
	body   io.ReadCloser
	reader *sse.Reader
}

func (s *httpEventSource) Next() (sse.Frame, error) {
	return s.reader.Next()
}

func (s *httpEventSource) Close() error {
	return s.body.Close()
}
