package websocket

import (
	"context"
	"sync"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 64
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client is one device's subscription to a zone.
type Client struct {
	hub     *Hub
	conn    *ws.Conn
	zone    string
	exclude string
	send    chan []byte

	lagOnce sync.Once
	lagged  chan struct{}
}

// NewClient creates a Client for zone that does not receive changes made
// by the excluded device.
func NewClient(hub *Hub, conn *ws.Conn, zone, exclude string) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		zone:    zone,
		exclude: exclude,
		send:    make(chan []byte, sendBufferSize),
		lagged:  make(chan struct{}),
	}
}

// markLagged flags a client that missed a change. Its connection is
// closed so the device resubscribes and catches up from its high-water
// mark instead of silently skipping the change.
func (c *Client) markLagged() {
	c.lagOnce.Do(func() { close(c.lagged) })
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(ctx, msg); err != nil {
				return
			}
		case <-c.lagged:
			c.hub.logger.Warn("closing lagging subscriber", "zone", c.zone, "device_id", c.exclude)
			_ = c.conn.Close(ws.StatusTryAgainLater, "lagging; resubscribe")
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, ws.MessageText, msg)
}
