// Package client implements the client role: it dials a server, runs a proxy
// node on the connection and issues the server-side requests (Fetch,
// ListExports, Eval, Shutdown). Calls on the returned handles go through the
// node.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"proxy-rmi/attr"
	"proxy-rmi/message"
	"proxy-rmi/middleware"
	"proxy-rmi/node"
	"proxy-rmi/transport"
)

// Options configures a Client.
type Options struct {
	Transport transport.Options
	Attrs     *attr.Registry
	// Middleware wraps requests the server makes into this client, such as
	// calls on callbacks passed to it.
	Middleware []middleware.Middleware

	// DialRetry settings.
	Retries    int
	RetryDelay time.Duration
}

type Client struct {
	node *node.Node
}

// New runs a client on an established connection.
func New(conn *transport.Conn, opts Options) *Client {
	return &Client{node: node.New(conn, node.Options{Attrs: opts.Attrs, Middleware: opts.Middleware})}
}

// Dial connects to a server.
func Dial(ctx context.Context, network, addr string, opts Options) (*Client, error) {
	conn, err := transport.Dial(ctx, network, addr, opts.Transport)
	if err != nil {
		return nil, err
	}
	return New(conn, opts), nil
}

// DialRetry is Dial with up to opts.Retries further attempts when the server
// refuses the connection or does not answer in time. The delay doubles after
// each attempt, starting at opts.RetryDelay.
func DialRetry(ctx context.Context, network, addr string, opts Options) (*Client, error) {
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	c, err := Dial(ctx, network, addr, opts)
	for i := 0; i < opts.Retries && err != nil; i++ {
		if !retryable(err) {
			return nil, err
		}
		log.Warn().Err(err).Int("attempt", i+1).Str("addr", addr).Msg("dial failed, retrying")
		select {
		case <-time.After(delay * time.Duration(1<<i)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c, err = Dial(ctx, network, addr, opts)
	}
	return c, err
}

func retryable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// Node returns the proxy node running on the connection.
func (c *Client) Node() *node.Node { return c.node }

// Fetch returns the server's export called name: a copied value or a
// *node.Handle. The empty name fetches the server's root object.
func (c *Client) Fetch(name string) (any, error) {
	return c.node.Request(message.Fetch(name))
}

// FetchHandle is Fetch for exports that are not copyable.
func (c *Client) FetchHandle(name string) (*node.Handle, error) {
	v, err := c.Fetch(name)
	if err != nil {
		return nil, err
	}
	h, ok := v.(*node.Handle)
	if !ok {
		return nil, fmt.Errorf("client: export %q is a %T value, not an object", name, v)
	}
	return h, nil
}

// ListExports returns the names the server exports.
func (c *Client) ListExports() ([]string, error) {
	v, err := c.node.Request(message.ListExports())
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok && v != nil {
		return nil, fmt.Errorf("client: unexpected exports reply %T", v)
	}
	names := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("client: unexpected export name %T", e)
		}
		names = append(names, s)
	}
	return names, nil
}

// Eval asks the server to evaluate src. Servers refuse unless evaluation is
// enabled on their side.
func (c *Client) Eval(src string) (any, error) {
	return c.node.Request(message.Eval(src))
}

// Serve answers calls the server makes into this client (on callbacks or
// objects passed to it) while no local call is waiting. It returns when the
// connection closes.
func (c *Client) Serve() error {
	return c.node.Serve()
}

// Shutdown asks the server to stop and waits up to timeout for it to hang
// up. The client is closed afterwards either way.
func (c *Client) Shutdown(timeout time.Duration) error {
	if err := c.node.Send(message.Shutdown()); err != nil {
		return err
	}
	go c.node.Serve()
	select {
	case <-c.node.Done():
		return nil
	case <-time.After(timeout):
		c.Close()
		return fmt.Errorf("client: server did not stop within %s", timeout)
	}
}

// Close releases every handle still held, says Bye and closes the connection.
func (c *Client) Close() error {
	return c.node.Close("client closing")
}
