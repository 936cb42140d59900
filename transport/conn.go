// Package transport implements a framed, request/reply connection between two
// proxy nodes.
//
// Every message travels as one protocol frame. Outgoing requests get a unique
// sequence number and replies carry the sequence of the request they answer.
//
// There is no background reader. A goroutine that waits for a reply becomes
// the connection's message pump for as long as it waits: it reads frames,
// hands replies to whichever waiter owns their sequence, and passes every other
// message to the handler. Inbound requests are therefore served even while
// every local goroutine is blocked on a reply, which is what lets two nodes
// call into each other recursively.
//
//	goroutine-1 ──SendAndWait(seq=1)──┐             ┌── reply(seq=3) → goroutine-2
//	goroutine-2 ──SendAndWait(seq=3)──┼── pump ─────┼── reply(seq=1) → goroutine-1
//	                                  │ (one holder)└── invoke(seq=4) → handler
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"proxy-rmi/codec"
	"proxy-rmi/message"
	"proxy-rmi/observability"
	"proxy-rmi/protocol"
)

var (
	// ErrClosed is delivered to every waiter when the connection goes away.
	ErrClosed = errors.New("transport: connection closed")
	// ErrStopping is returned by sends attempted after Close.
	ErrStopping = errors.New("transport: connection stopping")
	// ErrSequenceExhausted is wrapped when a connection has used up its
	// sequence space.
	ErrSequenceExhausted = errors.New("transport: sequence numbers exhausted")
)

// TransportError reports a failure of the underlying byte stream. The
// connection is closed when one occurs.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Role decides the parity of the sequence numbers a connection issues: client
// requests are odd, server requests are even.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Options tunes a connection. The zero value is usable.
type Options struct {
	Codec         codec.CodecType
	Compress      bool
	Verbose       bool   // log every frame at debug level
	MaxFrameBytes uint32 // 0 means protocol.DefaultMaxBodySize
	Logger        *zerolog.Logger
}

// Handler receives every message that is not a reply to a pending request.
type Handler func(*message.Message)

type reply struct {
	msg *message.Message
	err error
}

// Conn is one end of a proxy connection.
type Conn struct {
	id    string
	role  Role
	r     io.Reader
	w     io.Writer
	close func() error
	codec codec.Codec
	opts  Options
	log   zerolog.Logger

	issued  atomic.Uint32 // sequences handed out so far
	sending sync.Mutex    // serializes frame writes
	pump    chan struct{} // capacity 1; held by the goroutine reading frames

	mu      sync.Mutex
	waiters map[uint32]*Notifier[reply]

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps a duplex stream.
func New(rwc io.ReadWriteCloser, role Role, opts Options) *Conn {
	return newConn(rwc, rwc, rwc.Close, role, opts)
}

// Streams joins two unidirectional streams, such as a pipe pair, into one
// connection. Closing the connection closes both.
func Streams(r io.ReadCloser, w io.WriteCloser, role Role, opts Options) *Conn {
	return newConn(r, w, func() error {
		werr := w.Close()
		rerr := r.Close()
		return errors.Join(werr, rerr)
	}, role, opts)
}

// Dial connects to addr and returns a client-role connection.
func Dial(ctx context.Context, network, addr string, opts Options) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return New(nc, RoleClient, opts), nil
}

func newConn(r io.Reader, w io.Writer, closeFn func() error, role Role, opts Options) *Conn {
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	c := &Conn{
		id:      newConnID(),
		role:    role,
		r:       r,
		w:       w,
		close:   closeFn,
		codec:   codec.GetCodec(opts.Codec),
		opts:    opts,
		pump:    make(chan struct{}, 1),
		waiters: make(map[uint32]*Notifier[reply]),
		done:    make(chan struct{}),
	}
	c.log = base.With().Str("conn", c.id).Str("role", role.String()).Logger()
	observability.ConnOpened(role.String())
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Role() Role { return c.role }

// Logger returns the connection's logger, tagged with its id and role.
func (c *Conn) Logger() *zerolog.Logger { return &c.log }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Closed() bool { return c.closed.Load() }

// maxSequences is how many sequences of one parity fit in a uint32 without
// reaching zero, which marks an unassigned sequence.
const maxSequences = 1<<31 - 1

// nextSeq returns the next sequence: odd for clients, even for servers. Once
// maxSequences have been issued the connection fails with a *ProtocolError
// instead of reusing one.
func (c *Conn) nextSeq() (uint32, error) {
	n := c.issued.Add(1)
	if n > maxSequences {
		err := &protocol.ProtocolError{Op: "send", Err: ErrSequenceExhausted}
		c.fail(err)
		return 0, err
	}
	if c.role == RoleClient {
		return 2*n - 1, nil
	}
	return 2 * n, nil
}

// Send assigns a sequence to msg if it has none and writes it as one frame.
// It returns the sequence used.
func (c *Conn) Send(msg *message.Message) (uint32, error) {
	if c.closed.Load() {
		return 0, ErrStopping
	}
	if msg.Seq == 0 {
		seq, err := c.nextSeq()
		if err != nil {
			return 0, err
		}
		msg.Seq = seq
	}
	body, err := c.codec.Encode(msg)
	if err != nil {
		return msg.Seq, err
	}

	c.sending.Lock()
	defer c.sending.Unlock()
	if c.closed.Load() {
		return msg.Seq, ErrStopping
	}
	header := protocol.Header{CodecType: c.codec.Type(), Compressed: c.opts.Compress}
	if err := protocol.Encode(c.w, &header, body); err != nil {
		if c.closed.Load() {
			return msg.Seq, ErrStopping
		}
		terr := &TransportError{Op: "write", Err: err}
		c.fail(terr)
		return msg.Seq, terr
	}
	c.traceFrame("send", msg, int(header.BodyLen))
	return msg.Seq, nil
}

// Receive reads one message. It returns io.EOF once the peer has closed the
// stream in an orderly way. Receive takes the pump, so it must not be called
// from a Handler.
func (c *Conn) Receive() (*message.Message, error) {
	select {
	case c.pump <- struct{}{}:
	case <-c.done:
		return nil, ErrClosed
	}
	defer c.releasePump()
	msg, err := c.read()
	if err != nil {
		c.fail(err)
	}
	return msg, err
}

// SendAndWait sends msg and blocks until its reply arrives, pumping the
// connection in the meantime: messages that are not the awaited reply go to
// handler, which runs on the calling goroutine without the pump held.
func (c *Conn) SendAndWait(msg *message.Message, handler Handler) (*message.Message, error) {
	if c.closed.Load() {
		return nil, ErrStopping
	}
	if msg.Seq == 0 {
		seq, err := c.nextSeq()
		if err != nil {
			return nil, err
		}
		msg.Seq = seq
	}
	n := NewNotifier[reply]()
	c.mu.Lock()
	c.waiters[msg.Seq] = n
	c.mu.Unlock()
	defer c.dropWaiter(msg.Seq, n)

	if _, err := c.Send(msg); err != nil {
		return nil, err
	}
	for !n.Fired() {
		// A pump error always shuts the connection down, which fires n.
		if err := c.pumpOnce(n, handler); err != nil {
			break
		}
	}
	r := n.Wait()
	return r.msg, r.err
}

// Serve pumps the connection until it closes, passing every message that is
// not a reply to a pending request to handler. It returns nil when the peer
// hangs up or the connection is closed locally.
func (c *Conn) Serve(handler Handler) error {
	for {
		if err := c.pumpOnce(nil, handler); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// pumpOnce waits until own fires or the pump is free. Holding the pump, it
// routes replies to their waiters until own fires or a message for handler
// shows up; the pump is released before handler runs.
func (c *Conn) pumpOnce(own *Notifier[reply], handler Handler) error {
	select {
	case <-own.Done():
		return nil
	case <-c.done:
		return ErrClosed
	case c.pump <- struct{}{}:
	}
	for {
		if own.Fired() {
			c.releasePump()
			return nil
		}
		msg, err := c.read()
		if err != nil {
			c.releasePump()
			c.fail(err)
			return err
		}
		if msg.Type.IsReply() {
			if w := c.takeWaiter(msg.Seq); w != nil {
				w.Signal(reply{msg: msg})
				continue
			}
		}
		c.releasePump()
		if handler != nil {
			handler(msg)
		} else {
			c.log.Warn().Stringer("msg", msg).Msg("dropping message with no handler")
		}
		return nil
	}
}

func (c *Conn) releasePump() { <-c.pump }

func (c *Conn) read() (*message.Message, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	header, body, err := protocol.Decode(c.r, c.opts.MaxFrameBytes)
	if err != nil {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		var perr *protocol.ProtocolError
		if errors.Is(err, io.EOF) || errors.As(err, &perr) {
			return nil, err
		}
		return nil, &TransportError{Op: "read", Err: err}
	}
	msg := &message.Message{}
	if err := codec.GetCodec(header.CodecType).Decode(body, msg); err != nil {
		return nil, &protocol.ProtocolError{Op: "decode message", Err: err}
	}
	c.traceFrame("recv", msg, int(header.BodyLen))
	return msg, nil
}

func (c *Conn) traceFrame(dir string, msg *message.Message, size int) {
	observability.RecordFrame(c.role.String(), dir, msg.Type.String(), size)
	if c.opts.Verbose {
		c.log.Debug().Str("dir", dir).Stringer("type", msg.Type).Uint32("seq", msg.Seq).
			Int("bytes", size).Msg("frame")
	}
}

func (c *Conn) takeWaiter(seq uint32) *Notifier[reply] {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[seq]
	if ok {
		delete(c.waiters, seq)
	}
	return w
}

func (c *Conn) dropWaiter(seq uint32, n *Notifier[reply]) {
	c.mu.Lock()
	if c.waiters[seq] == n {
		delete(c.waiters, seq)
	}
	c.mu.Unlock()
}

// fail closes the connection after a read or write failure. An orderly EOF is
// logged at debug level only.
func (c *Conn) fail(cause error) {
	if errors.Is(cause, io.EOF) || errors.Is(cause, ErrClosed) {
		c.log.Debug().Msg("connection closed")
	} else if !c.closed.Load() {
		c.log.Error().Err(cause).Msg("connection failed")
	}
	c.shutdown(cause)
}

// Close marks the connection closed, closes the stream and fails every
// pending waiter with ErrClosed. It is idempotent.
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

// shutdown returns the stream's close error to the call that closed it and
// nil to every later call.
func (c *Conn) shutdown(cause error) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		closeErr = c.close()

		werr := ErrClosed
		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, ErrClosed) {
			werr = fmt.Errorf("%w: %w", ErrClosed, cause)
		}
		c.mu.Lock()
		waiters := c.waiters
		c.waiters = make(map[uint32]*Notifier[reply])
		c.mu.Unlock()
		for _, w := range waiters {
			w.Signal(reply{err: werr})
		}
		observability.ConnClosed(c.role.String())
	})
	return closeErr
}
