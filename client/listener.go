package client

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"taskline/api/internal/realtime"
)

const redialDelay = time.Second

// Listener maintains the websocket subscription for one account and feeds
// every received event into the store. It reconnects for as long as its
// context lives; each (re)connect fires OnConnect so the caller can refetch
// the collections and recover whatever was broadcast while disconnected.
type Listener struct {
	URL       string
	Token     string
	Store     *Store
	OnConnect func(ctx context.Context) error

	dialer *websocket.Dialer
}

func NewListener(url, token string, store *Store) *Listener {
	return &Listener{
		URL:    url,
		Token:  token,
		Store:  store,
		dialer: websocket.DefaultDialer,
	}
}

// Run blocks until ctx is done, dialing and redialing the event stream.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.runOnce(ctx); err != nil {
			log.Printf("event stream: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(redialDelay):
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.URL+"?token="+l.Token, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the socket when the context ends so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	if l.OnConnect != nil {
		if err := l.OnConnect(ctx); err != nil {
			return err
		}
	}

	for {
		var event realtime.Event
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		if err := l.Store.Apply(event); err != nil {
			log.Printf("apply event: %v", err)
		}
	}
}
