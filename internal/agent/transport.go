package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"crawlfleet/internal/core/domain"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsLink holds a websocket to /ws. Pushed assignments and replies arrive on
// the same socket.
type wsLink struct {
	conn    *websocket.Conn
	onReply func(domain.Envelope)

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (a *Agent) dialWebsocket(ctx context.Context) (link, error) {
	target, err := websocketURL(a.cfg.Server, a.ID())
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &wsLink{conn: conn, onReply: a.handle}, nil
}

func websocketURL(server, agentID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if agentID != "" {
		u.RawQuery = url.Values{"agentId": {agentID}}.Encode()
	}
	return u.String(), nil
}

func (l *wsLink) Send(_ context.Context, env domain.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(env)
}

func (l *wsLink) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		for {
			var env domain.Envelope
			if err := l.conn.ReadJSON(&env); err != nil {
				errCh <- err
				return
			}
			l.onReply(env)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("websocket closed: %w", err)
	}
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		l.conn.SetWriteDeadline(time.Now().Add(writeWait))
		l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

// httpLink talks to /api/agent/message and /api/agent/poll. The
// coordinator cannot push to it, so assignments only arrive by polling.
type httpLink struct {
	base    string
	client  *http.Client
	onReply func(domain.Envelope)
}

func (a *Agent) dialPoll(ctx context.Context) (link, error) {
	return &httpLink{
		base:    a.cfg.Server,
		client:  &http.Client{Timeout: 15 * time.Second},
		onReply: a.handle,
	}, nil
}

func (l *httpLink) Send(ctx context.Context, env domain.Envelope) error {
	var reply domain.Envelope
	if err := l.post(ctx, "/api/agent/message", env, &reply); err != nil {
		return err
	}
	l.onReply(reply)
	return nil
}

type pollResponse struct {
	Jobs []domain.JobAssignedPayload `json:"jobs"`
}

// Poll claims jobs and returns every job the coordinator has given this
// agent.
func (l *httpLink) Poll(ctx context.Context, agentID string) ([]domain.JobAssignedPayload, error) {
	var resp pollResponse
	if err := l.post(ctx, "/api/agent/poll", map[string]string{"agentId": agentID}, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (l *httpLink) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *httpLink) Close() error {
	l.client.CloseIdleConnections()
	return nil
}

func (l *httpLink) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) == nil && e.Details != "" {
			return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, e.Details)
		}
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
