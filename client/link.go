package client

import (
	"context"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/zxbdzh/new-year/domain"
)

// Link is one transport connection to the server.
type Link interface {
	Read(ctx context.Context) (domain.Envelope, error)
	Write(ctx context.Context, env domain.Envelope) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Link, error)

const maxMessageSize = 64 << 10

type wsLink struct {
	conn *websocket.Conn
}

func DialWebsocket(ctx context.Context, url string) (Link, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsLink{conn: conn}, nil
}

func (l *wsLink) Read(ctx context.Context) (domain.Envelope, error) {
	var env domain.Envelope
	err := wsjson.Read(ctx, l.conn, &env)
	return env, err
}

func (l *wsLink) Write(ctx context.Context, env domain.Envelope) error {
	return wsjson.Write(ctx, l.conn, env)
}

func (l *wsLink) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
