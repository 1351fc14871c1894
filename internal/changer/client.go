package changer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Client sends one request per connection to a media changer daemon.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	log     *slog.Logger
}

// NewClient returns a client for the daemon at addr. timeout bounds each
// request when the caller's context has no earlier deadline.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout, log: slog.Default()}
}

// Mount loads vid into the drive with the given ordinal.
func (c *Client) Mount(ctx context.Context, drive uint16, vid string, readOnly bool) error {
	return c.do(ctx, &MountRequest{DriveOrdinal: drive, VID: vid, ReadOnly: readOnly})
}

// Dismount unloads vid from the drive with the given ordinal.
func (c *Client) Dismount(ctx context.Context, drive uint16, vid string, force bool) error {
	return c.do(ctx, &DismountRequest{DriveOrdinal: drive, VID: vid, Force: force})
}

// Export moves vid to the library's export slot.
func (c *Client) Export(ctx context.Context, vid string) error {
	return c.do(ctx, &ExportRequest{VID: vid})
}

// Import brings vid in from the library's import slot.
func (c *Client) Import(ctx context.Context, vid string) error {
	return c.do(ctx, &ImportRequest{VID: vid})
}

func (c *Client) do(ctx context.Context, req Message) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial changer %s: %w", c.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := WriteMessage(conn, req); err != nil {
		return fmt.Errorf("send %T: %w", req, err)
	}
	msg, err := ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read reply to %T: %w", req, err)
	}
	reply, ok := msg.(*Reply)
	if !ok {
		return fmt.Errorf("changer answered %T with %T", req, msg)
	}
	c.log.Debug("changer request", "request", fmt.Sprintf("%+v", req), "status", reply.Status, "duration", time.Since(start))
	if reply.Status != 0 {
		return &Error{Status: reply.Status, Message: reply.Message}
	}
	return nil
}

// Error is a non-zero reply from the changer.
type Error struct {
	Status  uint32
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("changer status %d: %s", e.Status, e.Message)
}
