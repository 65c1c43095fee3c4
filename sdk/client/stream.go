package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/flowlog/core/workflow"
)

// closeTryAgainLater is the close code the gateway sends to a subscriber
// that fell behind; the reason carries "resume_from=<n>".
const closeTryAgainLater = 1013

// ErrStopWatch can be returned from a watch callback to end Watch cleanly.
var ErrStopWatch = errors.New("stop watch")

// Watch streams a workflow's events from sequence from, calling fn for each
// one in order. When the server drops the stream because the client fell
// behind, Watch reconnects from the sequence it names, so fn never sees a
// gap or a duplicate. It returns when ctx ends, fn returns an error, or the
// server closes the stream normally.
func (c *Client) Watch(ctx context.Context, workflowID string, from uint64, fn func(workflow.Event) error) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id required")
	}
	if fn == nil {
		return fmt.Errorf("callback required")
	}
	next := max(from, 1)
	for {
		resume, err := c.watchOnce(ctx, workflowID, &next, fn)
		if errors.Is(err, ErrStopWatch) {
			return nil
		}
		if err != nil {
			return err
		}
		if !resume {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Client) watchOnce(ctx context.Context, workflowID string, next *uint64, fn func(workflow.Event) error) (bool, error) {
	wsURL, err := c.streamURL(workflowID, *next)
	if err != nil {
		return false, err
	}
	header := http.Header{}
	if c.APIKey != "" {
		header.Set("X-API-Key", c.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return false, &APIError{Status: resp.StatusCode, Code: resp.Status}
		}
		return false, fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev workflow.Event
		if err := conn.ReadJSON(&ev); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				switch closeErr.Code {
				case closeTryAgainLater:
					if n, ok := parseResumeFrom(closeErr.Text); ok && n > *next {
						*next = n
					}
					return true, nil
				case websocket.CloseNormalClosure:
					return false, nil
				}
			}
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("read stream: %w", err)
		}
		// A reconnect can overlap what was already delivered.
		if ev.Sequence < *next {
			continue
		}
		if err := fn(ev); err != nil {
			return false, err
		}
		*next = ev.Sequence + 1
	}
}

func (c *Client) streamURL(workflowID string, from uint64) (string, error) {
	u, err := url.Parse(c.endpoint(workflowPath(workflowID, "stream")))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.RawQuery = "from=" + strconv.FormatUint(from, 10)
	return u.String(), nil
}

func parseResumeFrom(reason string) (uint64, bool) {
	v, ok := strings.CutPrefix(strings.TrimSpace(reason), "resume_from=")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}
