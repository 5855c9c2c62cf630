package ipc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
)

// Client is one authenticated session with a dbbalancer daemon. Requests
// on a client are serialized; open several clients for parallelism.
type Client struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

// Dial connects to addr and performs the authentication handshake
func Dial(ctx context.Context, addr, authkey string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeInternalError, "ipc_client", "failed to connect to "+addr)
	}

	client, err := NewClient(ctx, conn, authkey)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// NewClient authenticates over an established connection
func NewClient(ctx context.Context, conn net.Conn, authkey string) (*Client, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := clientHandshake(conn, []byte(authkey)); err != nil {
		if lberrors.GetErrorCode(err) == lberrors.ErrCodeAuthenticationFailed {
			return nil, err
		}
		return nil, lberrors.WrapError(err, lberrors.ErrCodeAuthenticationFailed, "ipc_client", "handshake failed")
	}
	return &Client{conn: conn}, nil
}

// Read submits a read query
func (c *Client) Read(ctx context.Context, payload []byte) (domain.Result, error) {
	return c.Do(ctx, &domain.Query{Kind: domain.KindRead, Payload: payload})
}

// Write submits a write query
func (c *Client) Write(ctx context.Context, payload []byte) (domain.Result, error) {
	return c.Do(ctx, &domain.Query{Kind: domain.KindWrite, Payload: payload})
}

// Do sends q and waits for its result. The error is non-nil only for
// transport failures; query failures are reported in the result.
func (c *Client) Do(ctx context.Context, q *domain.Query) (domain.Result, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}

	body, err := encodeQuery(q)
	if err != nil {
		return domain.Result{}, lberrors.NewProtocolError("failed to encode query", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.Result{}, lberrors.NewError(lberrors.ErrCodeClosed, "ipc_client", "client is closed")
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)

	if err := WriteFrame(c.conn, body); err != nil {
		return domain.Result{}, err
	}
	reply, err := ReadFrame(c.conn)
	if err != nil {
		return domain.Result{}, err
	}

	res, err := decodeResult(reply)
	if err != nil {
		return res, err
	}
	if res.ID != q.ID && res.ID != "" {
		return res, lberrors.NewProtocolError("result id "+res.ID+" does not match query", nil).WithQueryID(q.ID)
	}
	return res, nil
}

// Close sends the close sentinel and releases the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if body, err := encodeClose(); err == nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = WriteFrame(c.conn, body)
	}
	return c.conn.Close()
}
