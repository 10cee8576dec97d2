package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"pkt.systems/viewsync/api"
)

// Conn is a live session connection driving an Agent. Close it to leave the
// session; the host releases any lock the client held.
type Conn struct {
	agent *Agent
	ws    *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a session host, performs the hello/welcome handshake, and
// starts an agent fed by the event stream. cfg.Sender is ignored; the
// connection supplies it. cfg.ServerURL is both the HTTP base for uploads and
// the host of the session socket.
func Dial(ctx context.Context, cfg Config) (*Conn, *Agent, error) {
	if cfg.ServerURL == "" {
		return nil, nil, fmt.Errorf("client: server url required")
	}
	wsURL, err := sessionURL(cfg.ServerURL)
	if err != nil {
		return nil, nil, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("client: dial %s: %w", wsURL, err)
	}

	hello, err := api.NewEnvelope(api.TypeHello, api.Hello{ClientID: cfg.ClientID})
	if err != nil {
		ws.Close()
		return nil, nil, err
	}
	if err := ws.WriteJSON(hello); err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("client: send hello: %w", err)
	}
	var env api.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("client: read welcome: %w", err)
	}
	if env.Type != api.TypeWelcome {
		ws.Close()
		return nil, nil, fmt.Errorf("client: expected welcome, got %s", env.Type)
	}
	var welcome api.Welcome
	if err := json.Unmarshal(env.Data, &welcome); err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("client: decode welcome: %w", err)
	}

	conn := &Conn{ws: ws, done: make(chan struct{})}
	cfg.Sender = conn
	agent, err := New(cfg, welcome)
	if err != nil {
		ws.Close()
		return nil, nil, err
	}
	conn.agent = agent
	go conn.readLoop()
	return conn, agent, nil
}

// Send implements Sender.
func (c *Conn) Send(env api.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// Close tears down the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

// Done is closed when the event stream ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		var env api.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.agent.logger.Debug("agent.conn.closed", "error", err)
			c.Close()
			return
		}
		c.agent.HandleEvent(env)
	}
}

// sessionURL rewrites an http(s) base URL into the ws(s) session endpoint.
func sessionURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("client: parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/v1/session"
	return u.String(), nil
}
