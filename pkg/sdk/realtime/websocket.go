package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/tinysync/pkg/api"
	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/sdk/transport"
)

// readTimeout must exceed the server's ping interval
const readTimeout = 90 * time.Second

// WebsocketDialer connects to the server's /ws endpoint
type WebsocketDialer struct {
	Source   transport.Source
	ClientID string
	Dialer   *websocket.Dialer
}

// Dial opens a channel. Configuration and 4xx responses come back as
// *transport.Error so callers can tell them from network failures.
func (d *WebsocketDialer) Dial(ctx context.Context) (Channel, error) {
	s := d.Source.Current()
	if err := s.Validate(); err != nil {
		return nil, &transport.Error{Kind: transport.KindConfig, Err: err}
	}

	u, err := wsURL(s.Endpoint, d.ClientID)
	if err != nil {
		return nil, &transport.Error{Kind: transport.KindConfig, Err: err}
	}

	header := http.Header{}
	header.Set(api.APIKeyHeader, s.APIKey)
	header.Set(notify.ClientIDHeader, d.ClientID)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &transport.Error{Kind: transport.KindAuth, Status: resp.StatusCode, Err: err}
		}
		return nil, &transport.Error{Kind: transport.KindTransport, Err: err}
	}
	return newWSChannel(conn), nil
}

func wsURL(endpoint, clientID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	c := &wsChannel{conn: conn}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	return c
}

func (c *wsChannel) Next() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
