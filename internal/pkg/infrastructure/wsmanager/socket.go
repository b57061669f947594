package wsmanager

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

//Socket is the part of a websocket connection used by the manager
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

//Dialer opens sockets
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

type gorillaDialer struct {
	dialer *websocket.Dialer
}

//NewDialer returns a Dialer backed by gorilla/websocket
func NewDialer(handshakeTimeout time.Duration) Dialer {
	return &gorillaDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
