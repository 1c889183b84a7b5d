package eventsource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suyash-sneo/tileacq/acq"
)

// Client is a synchronous control channel client: one command in flight at
// a time, each answered by the reply carrying its ID.
type Client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	nextID uint64
}

// Dial connects to a control channel URL such as ws://127.0.0.1:4827/control.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Do sends cmd and waits for its reply. A reply with OK=false is returned
// as an error.
func (c *Client) Do(ctx context.Context, cmd Command) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	cmd.ID = c.nextID
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return Reply{}, err
	}
	if err := c.conn.WriteJSON(cmd); err != nil {
		return Reply{}, fmt.Errorf("send %s: %w", cmd.Op, err)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Reply{}, err
	}
	for {
		var reply Reply
		if err := c.conn.ReadJSON(&reply); err != nil {
			return Reply{}, fmt.Errorf("read %s reply: %w", cmd.Op, err)
		}
		if reply.ID != cmd.ID {
			continue
		}
		if !reply.OK {
			return reply, fmt.Errorf("%s: %s", cmd.Op, reply.Error)
		}
		return reply, nil
	}
}

func (c *Client) Start(ctx context.Context) error {
	_, err := c.Do(ctx, Command{Op: OpStart})
	return err
}

func (c *Client) Acquire(ctx context.Context, events ...acq.Event) error {
	_, err := c.Do(ctx, Command{Op: OpAcquire, Events: events})
	return err
}

func (c *Client) Finish(ctx context.Context) error {
	_, err := c.Do(ctx, Command{Op: OpFinish})
	return err
}

func (c *Client) Pause(ctx context.Context, paused bool) error {
	op := OpResume
	if paused {
		op = OpPause
	}
	_, err := c.Do(ctx, Command{Op: op})
	return err
}

// Abort asks the remote end to abort. The server closes the connection
// afterwards, so the client is unusable once this returns.
func (c *Client) Abort(ctx context.Context, reason string) error {
	_, err := c.Do(ctx, Command{Op: OpAbort, Reason: reason})
	return err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	reply, err := c.Do(ctx, Command{Op: OpStatus})
	if err != nil {
		return Status{}, err
	}
	if reply.Status == nil {
		return Status{}, fmt.Errorf("status: empty reply")
	}
	return *reply.Status, nil
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
