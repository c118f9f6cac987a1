package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"huntd/pkg/model"
)

// WatchOptions controls reconnect behaviour of Watch.
type WatchOptions struct {
	MaxRetries int           // consecutive failed attempts before giving up; 0 means 5
	Backoff    time.Duration // wait between attempts; 0 means 1s
}

// Watch follows the live channel of an execution and calls fn for every
// frame until the execution is terminal or ctx ends. Dropped connections are
// re-established with a fresh stream token; events already delivered are not
// passed to fn again.
func (c *Client) Watch(ctx context.Context, executionID string, opts WatchOptions, fn func(model.Frame)) error {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	seen := make(map[int64]struct{})
	failures := 0
	for {
		done, progressed, err := c.watchOnce(ctx, executionID, seen, fn)
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusUnauthorized) {
			return err
		}
		if progressed {
			failures = 0
		}
		failures++
		if failures > opts.MaxRetries {
			return fmt.Errorf("watch %s: giving up after %d attempts: %w", executionID, failures-1, err)
		}
		select {
		case <-time.After(opts.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchOnce runs one connection. It reports whether the execution reached a
// terminal state and whether any frame was received.
// Every connection replays from the start and live events of sibling steps
// may arrive out of sequence order, so delivered events are tracked by
// sequence rather than by a high-water mark.
func (c *Client) watchOnce(ctx context.Context, executionID string, seen map[int64]struct{}, fn func(model.Frame)) (bool, bool, error) {
	tok, err := c.StreamToken(ctx, executionID)
	if err != nil {
		return false, false, err
	}
	wsURL, err := c.wsURL(executionID, tok.Token)
	if err != nil {
		return false, false, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return false, false, &APIError{Status: resp.StatusCode, Kind: http.StatusText(resp.StatusCode), Message: err.Error()}
		}
		return false, false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	progressed := false
	for {
		var f model.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && ce.Text == "execution finished" {
					return true, progressed, nil
				}
			}
			return false, progressed, err
		}
		progressed = true
		if f.Kind == model.FrameEvent && f.Event != nil {
			if _, dup := seen[f.Event.Sequence]; dup {
				continue
			}
			seen[f.Event.Sequence] = struct{}{}
		}
		fn(f)
		if f.IsFinal() {
			return true, progressed, nil
		}
	}
}

func (c *Client) wsURL(executionID, token string) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws/executions/" + url.PathEscape(executionID)
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
