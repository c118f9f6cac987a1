package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"huntd/pkg/api"
	"huntd/pkg/model"
	"huntd/pkg/version"
)

// APIError is a non-2xx response from huntd.
type APIError struct {
	Status   int
	Kind     string
	Message  string
	Problems []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("huntd: %d %s: %s", e.Status, e.Kind, e.Message)
	if len(e.Problems) > 0 {
		msg += " (" + strings.Join(e.Problems, "; ") + ")"
	}
	return msg
}

// Client talks to the huntd HTTP API.
type Client struct {
	base   string
	token  string
	apiKey string
	http   *http.Client
}

// New builds a client for base (e.g. http://127.0.0.1:8080). Either a session
// token or an API key authenticates requests.
func New(base, token, apiKey string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Hunts(ctx context.Context) ([]api.HuntSummary, error) {
	var out []api.HuntSummary
	return out, c.do(ctx, http.MethodGet, "/api/v1/hunts", nil, &out)
}

func (c *Client) Hunt(ctx context.Context, id string) (model.HuntDefinition, error) {
	var out model.HuntDefinition
	return out, c.do(ctx, http.MethodGet, "/api/v1/hunts/"+url.PathEscape(id), nil, &out)
}

func (c *Client) Execute(ctx context.Context, huntID, caseID string, params map[string]any) (string, error) {
	var out api.ExecuteResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/hunts/"+url.PathEscape(huntID)+"/execute",
		api.ExecuteRequest{CaseID: caseID, Parameters: params}, &out)
	return out.ExecutionID, err
}

func (c *Client) Execution(ctx context.Context, id string, includeSteps bool) (model.HuntExecution, error) {
	var out model.HuntExecution
	path := "/api/v1/executions/" + url.PathEscape(id) + "?includeSteps=" + strconv.FormatBool(includeSteps)
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) ListByCase(ctx context.Context, caseID string) ([]model.HuntExecution, error) {
	var out []model.HuntExecution
	return out, c.do(ctx, http.MethodGet, "/api/v1/cases/"+url.PathEscape(caseID)+"/executions", nil, &out)
}

func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	var out api.CancelResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out.Accepted, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/executions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) StreamToken(ctx context.Context, id string) (api.StreamTokenResponse, error) {
	var out api.StreamTokenResponse
	return out, c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(id)+"/stream-token", nil, &out)
}

func (c *Client) Audit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	return out, c.do(ctx, http.MethodGet, "/api/v1/audit?limit="+strconv.Itoa(limit), nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	} else if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil {
			apiErr.Kind, apiErr.Message, apiErr.Problems = e.Error, e.Message, e.Problems
		} else {
			apiErr.Kind = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
