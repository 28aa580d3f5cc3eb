package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one agent's registration with the broker.
type Client struct {
	id        string
	ws        *websocket.Conn
	heartbeat time.Duration

	writeMu sync.Mutex

	msgs chan Message
	done chan struct{}
	once sync.Once

	errMu sync.Mutex
	err   error
}

// Dial registers id with the broker at rawURL and waits for OPEN.
func Dial(ctx context.Context, rawURL, id string, heartbeat time.Duration) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signal url: %w", err)
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	// The first frame says whether the id was accepted.
	if dl, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(dl)
	} else {
		_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	var first Message
	if err := ws.ReadJSON(&first); err != nil {
		ws.Close()
		return nil, fmt.Errorf("await OPEN: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	switch first.Type {
	case TypeOpen:
	case TypeIDTaken:
		ws.Close()
		return nil, fmt.Errorf("%s: %w", id, ErrIDTaken)
	case TypeError:
		ws.Close()
		return nil, errors.New(first.ErrorText())
	default:
		ws.Close()
		return nil, fmt.Errorf("unexpected first message %s", first.Type)
	}

	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	c := &Client{
		id:        id,
		ws:        ws,
		heartbeat: heartbeat,
		msgs:      make(chan Message, 64),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

func (c *Client) ID() string { return c.id }

// Messages delivers routed messages; it is closed when the connection ends.
func (c *Client) Messages() <-chan Message { return c.msgs }

// Done is closed once the client is shut down, by Close or by a read error.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is the read error that ended the connection, nil after Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes m to the broker.
func (c *Client) Send(m Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(m); err != nil {
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	return nil
}

// Close unregisters from the broker. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.msgs)
	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			select {
			case <-c.done:
			default:
				c.errMu.Lock()
				c.err = fmt.Errorf("signal connection lost: %w", err)
				c.errMu.Unlock()
				log.Printf("SIGNAL: %s read: %v", c.id, err)
				c.once.Do(func() {
					close(c.done)
					c.ws.Close()
				})
			}
			return
		}
		select {
		case c.msgs <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.Send(Message{Type: TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}
