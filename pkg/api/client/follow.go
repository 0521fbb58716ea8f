package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// LogEvent is one live deploy log line.
type LogEvent struct {
	DeployID  string    `json:"deploy_id"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// FollowDeploy streams live log lines of deployID to fn until ctx ends or the
// server closes the connection. Lines written before the call are not replayed.
func (c *Client) FollowDeploy(ctx context.Context, deployID string, fn func(LogEvent)) error {
	endpoint, err := c.websocketURL("/ws/deploys/" + url.PathEscape(deployID))
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set(TokenHeader, c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return fmt.Errorf("dial log stream: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		var event LogEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			continue
		}
		fn(event)
	}
}

func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}
