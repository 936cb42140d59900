// Package node implements the proxy node: the object broker that sits on one
// end of a connection.
//
// A node owns the exported-object table. Values sent to the peer are either
// copied (Literal) or registered in the table and sent as a reference
// (Proxied); each registration adds one reference, and the peer gives it back
// with a Release message when its Handle is released. Inbound Invoke requests
// may only target ids present in the table.
//
// A node has no goroutine of its own reading the connection. Calls made
// through a Handle pump the connection while they wait (see transport.Conn),
// and Serve pumps it for nodes that only answer requests.
package node

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"proxy-rmi/attr"
	"proxy-rmi/codec"
	"proxy-rmi/message"
	"proxy-rmi/middleware"
	"proxy-rmi/observability"
	"proxy-rmi/protocol"
	"proxy-rmi/transport"
)

// State is the lifecycle state of a node. It only moves forward.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options configures a node.
type Options struct {
	// Attrs is frozen by New. Nil means attr.New().
	Attrs *attr.Registry
	// Middleware wraps the dispatch of inbound requests, first one outermost.
	Middleware []middleware.Middleware
	// Context is the parent of the context passed to invoked methods. It is
	// cancelled for them when the node closes.
	Context context.Context
}

type Node struct {
	conn     *transport.Conn
	attrs    *attr.Registry
	log      *zerolog.Logger
	role     string
	exports  *table
	dispatch middleware.HandlerFunc

	mu       sync.Mutex
	imports  map[uint64]int // live handles per remote id
	handlers map[message.Type]middleware.HandlerFunc
	onClose  []func(reason string)

	state     atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a node on conn. The node closes itself, without notifying the
// peer, when conn goes away.
func New(conn *transport.Conn, opts Options) *Node {
	attrs := opts.Attrs
	if attrs == nil {
		attrs = attr.New()
	}
	attrs.Freeze()

	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	n := &Node{
		conn:     conn,
		attrs:    attrs,
		log:      conn.Logger(),
		role:     conn.Role().String(),
		exports:  newTable(),
		imports:  make(map[uint64]int),
		handlers: make(map[message.Type]middleware.HandlerFunc),
		done:     make(chan struct{}),
	}
	n.ctx, n.cancel = context.WithCancel(middleware.WithDiscard(n.log.WithContext(parent), n.discardReply))
	n.dispatch = middleware.Chain(opts.Middleware...)(n.route)

	go func() {
		select {
		case <-conn.Done():
			n.shutdown("connection closed", false)
		case <-n.done:
		}
	}()
	return n
}

func (n *Node) Conn() *transport.Conn { return n.conn }

func (n *Node) Attrs() *attr.Registry { return n.attrs }

func (n *Node) Logger() *zerolog.Logger { return n.log }

// Context is cancelled when the node closes.
func (n *Node) Context() context.Context { return n.ctx }

func (n *Node) State() State { return State(n.state.Load()) }

// Done is closed once the node is closed.
func (n *Node) Done() <-chan struct{} { return n.done }

// Handle installs the handler answering requests of type t. Invoke, Release
// and Bye are handled by the node itself.
func (n *Node) Handle(t message.Type, h middleware.HandlerFunc) {
	n.mu.Lock()
	n.handlers[t] = h
	n.mu.Unlock()
}

// OnClose registers fn to run after the node has closed.
func (n *Node) OnClose(fn func(reason string)) {
	n.mu.Lock()
	n.onClose = append(n.onClose, fn)
	n.mu.Unlock()
}

// Register adds one reference to obj in the exported table and returns its
// id. Registering the same pointer again returns the same id.
func (n *Node) Register(obj any) uint64 {
	id, created := n.exports.register(obj, attr.TypeName(obj))
	if created {
		observability.AddExported(n.role, 1)
	}
	return id
}

// ReleaseLocal drops one reference to id and returns the references left.
// The entry is removed when none are left.
func (n *Node) ReleaseLocal(id uint64) int {
	return n.releaseLocal(id, false)
}

func (n *Node) releaseLocal(id uint64, all bool) int {
	left, ok := n.exports.release(id, all)
	if !ok {
		n.log.Warn().Uint64("id", id).Bool("all", all).Msg("release of unknown id")
		return 0
	}
	if left == 0 {
		observability.AddExported(n.role, -1)
		n.log.Debug().Uint64("id", id).Msg("exported object evicted")
	}
	return left
}

// Lookup returns the exported object registered under id.
func (n *Node) Lookup(id uint64) (any, bool) { return n.exports.lookup(id) }

// RefCount returns the references held on exported id, 0 if not exported.
func (n *Node) RefCount(id uint64) int { return n.exports.refs(id) }

// Exported returns the number of entries in the exported table.
func (n *Node) Exported() int { return n.exports.len() }

// Imported returns the number of peer ids this node holds live handles for.
func (n *Node) Imported() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.imports)
}

// Export encodes v for the peer: a Local reference for a handle the peer
// issued, a Literal for copyable values, and a Proxied reference otherwise.
func (n *Node) Export(v any) *message.Message {
	if h, ok := v.(*Handle); ok && h.node == n && !h.Released() {
		return message.Local(h.id)
	}
	if lit, err := message.Normalize(v, n.attrs); err == nil {
		return message.Literal(lit)
	}
	typeName := attr.TypeName(v)
	id, created := n.exports.register(v, typeName)
	if created {
		observability.AddExported(n.role, 1)
	}
	return message.Proxied(id, typeName)
}

// Import decodes a reply. Error replies are returned as *RemoteError.
func (n *Node) Import(m *message.Message) (any, error) {
	switch m.Type {
	case message.TypeLiteral:
		return m.Value, nil
	case message.TypeProxied:
		return n.newHandle(m.ID, m.TypeName), nil
	case message.TypeLocal:
		obj, ok := n.exports.lookup(m.ID)
		if !ok {
			return nil, &SecurityError{ID: m.ID}
		}
		return obj, nil
	case message.TypeError:
		info := m.Err
		if info == nil {
			info = &message.ErrorInfo{Type: "unknown"}
		}
		return nil, &RemoteError{Type: info.Type, Message: info.Message, RemoteTrace: info.Backtrace}
	}
	return nil, &protocol.ProtocolError{Op: "import", Err: fmt.Errorf("unexpected %s reply", m.Type)}
}

func (n *Node) newHandle(id uint64, typeName string) *Handle {
	n.mu.Lock()
	n.imports[id]++
	n.mu.Unlock()
	return &Handle{node: n, id: id, typeName: typeName}
}

func (n *Node) releaseHandle(h *Handle) error {
	n.mu.Lock()
	if c, ok := n.imports[h.id]; ok {
		if c > 1 {
			n.imports[h.id] = c - 1
		} else {
			delete(n.imports, h.id)
		}
	}
	n.mu.Unlock()

	if n.State() != StateOpen {
		return nil
	}
	if _, err := n.conn.Send(message.Release(h.id, false)); err != nil && !errors.Is(err, transport.ErrStopping) {
		return err
	}
	return nil
}

// exportArgument encodes one invocation argument. A handle to an object of
// the peer travels as its id alone.
func (n *Node) exportArgument(x any) message.Arg {
	if h, ok := x.(*Handle); ok && h.node == n && !h.Released() {
		return message.Arg{Kind: message.ArgReceiver, ID: h.id}
	}
	if lit, err := message.Normalize(x, n.attrs); err == nil {
		return message.Arg{Kind: message.ArgLiteral, Value: lit}
	}
	typeName := attr.TypeName(x)
	id, created := n.exports.register(x, typeName)
	if created {
		observability.AddExported(n.role, 1)
	}
	return message.Arg{Kind: message.ArgSender, ID: id, TypeName: typeName}
}

func (n *Node) importArgument(a message.Arg) (any, error) {
	switch a.Kind {
	case message.ArgLiteral:
		return a.Value, nil
	case message.ArgReceiver:
		obj, ok := n.exports.lookup(a.ID)
		if !ok {
			return nil, &SecurityError{ID: a.ID}
		}
		return obj, nil
	case message.ArgSender:
		return n.newHandle(a.ID, a.TypeName), nil
	}
	return nil, &protocol.ProtocolError{Op: "import argument", Err: fmt.Errorf("argument kind %d", a.Kind)}
}

// unexportArguments gives back the references taken by exportArgument for a
// request that was never answered.
func (n *Node) unexportArguments(args []message.Arg, cb *message.Arg) {
	if cb != nil {
		args = append(args, *cb)
	}
	for _, a := range args {
		if a.Kind == message.ArgSender {
			if left, ok := n.exports.release(a.ID, false); ok && left == 0 {
				observability.AddExported(n.role, -1)
			}
		}
	}
}

// Invoke calls method on the peer object behind h. Methods marked NoReturn
// are sent without waiting and return (nil, nil). A failure raised by the
// peer is returned as *RemoteError whose LocalTrace is the caller's stack.
func (n *Node) Invoke(h *Handle, method string, args []any, callback any) (any, error) {
	if h.node != n {
		return nil, ErrForeignHandle
	}
	if h.Released() {
		return nil, ErrReleased
	}
	encoded := make([]message.Arg, len(args))
	for i, a := range args {
		encoded[i] = n.exportArgument(a)
	}
	var cb *message.Arg
	if callback != nil {
		a := n.exportArgument(callback)
		cb = &a
	}
	msg := message.Invoke(h.id, method, encoded, cb)

	if n.attrs.MethodFlags(h.typeName, method).Has(attr.NoReturn) {
		if _, err := n.conn.Send(msg); err != nil {
			n.unexportArguments(encoded, cb)
			return nil, err
		}
		return nil, nil
	}
	reply, err := n.conn.SendAndWait(msg, n.HandleMessage)
	if err != nil {
		n.unexportArguments(encoded, cb)
		return nil, err
	}
	v, err := n.Import(reply)
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		rerr.LocalTrace = callerTrace(1)
	}
	return v, err
}

// Request sends req, waits for its reply and imports it. Roles use it for
// requests other than Invoke, such as Fetch.
func (n *Node) Request(req *message.Message) (any, error) {
	reply, err := n.conn.SendAndWait(req, n.HandleMessage)
	if err != nil {
		return nil, err
	}
	v, err := n.Import(reply)
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		rerr.LocalTrace = callerTrace(1)
	}
	return v, err
}

// Send writes msg without waiting for a reply.
func (n *Node) Send(msg *message.Message) error {
	_, err := n.conn.Send(msg)
	return err
}

// HandleMessage dispatches a message that is not a reply to a pending
// request. It is the handler the node passes to its connection.
func (n *Node) HandleMessage(m *message.Message) {
	switch m.Type {
	case message.TypeRelease:
		observability.RecordRelease(n.role, m.All)
		n.releaseLocal(m.ID, m.All)
	case message.TypeBye:
		n.log.Info().Str("reason", m.Name).Msg("peer closing")
		n.shutdown(m.Name, false)
	case message.TypeLiteral, message.TypeProxied, message.TypeLocal, message.TypeError:
		n.log.Warn().Stringer("msg", m).Msg("reply matches no pending request")
	default:
		n.serveRequest(m)
	}
}

func (n *Node) serveRequest(m *message.Message) {
	reply := n.dispatch(n.ctx, m)
	if reply == nil {
		return
	}
	reply.Seq = m.Seq
	_, err := n.conn.Send(reply)
	var serr *codec.SerializationError
	if errors.As(err, &serr) {
		fallback := message.Error("SerializationError", serr.Error(), nil)
		fallback.Seq = m.Seq
		_, err = n.conn.Send(fallback)
	}
	if err != nil && !errors.Is(err, transport.ErrStopping) {
		n.log.Error().Err(err).Stringer("request", m).Msg("sending reply failed")
	}
}

// route is the innermost dispatch step, below the middleware chain.
func (n *Node) route(ctx context.Context, m *message.Message) (reply *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error().Interface("panic", r).Stringer("request", m).Msg("request handler panicked")
			pcs := make([]uintptr, 64)
			depth := runtime.Callers(3, pcs)
			reply = n.errorReply(&PanicError{Value: r, Trace: formatFrames(pcs[:depth])})
		}
	}()
	if m.Type == message.TypeInvoke {
		return n.performLocalInvocation(ctx, m)
	}
	n.mu.Lock()
	h := n.handlers[m.Type]
	n.mu.Unlock()
	if h == nil {
		n.log.Warn().Stringer("type", m.Type).Uint32("seq", m.Seq).Msg("unsupported request")
		return message.Error("ProtocolError", "unsupported request "+m.Type.String(), nil)
	}
	return h(ctx, m)
}

// performLocalInvocation runs an inbound Invoke against the exported table
// and returns the reply, or nil for NoReturn methods.
func (n *Node) performLocalInvocation(ctx context.Context, m *message.Message) *message.Message {
	start := time.Now()
	obj, ok := n.exports.lookup(m.ID)
	if !ok {
		n.log.Warn().Uint64("id", m.ID).Str("method", m.Method).Msg("rejected invocation of unexported id")
		observability.RecordInvocation(n.role, observability.OutcomeSecurity, time.Since(start))
		return n.errorReply(&SecurityError{ID: m.ID, Method: m.Method})
	}
	noReturn := n.attrs.MethodFlags(attr.TypeName(obj), m.Method).Has(attr.NoReturn)

	result, err := n.invokeLocal(ctx, obj, m)
	switch {
	case noReturn:
		if err != nil {
			n.log.Warn().Err(err).Str("method", m.Method).Msg("noreturn invocation failed")
		}
		observability.RecordInvocation(n.role, observability.OutcomeNoReturn, time.Since(start))
		return nil
	case err != nil:
		outcome := observability.OutcomeError
		if errors.Is(err, ErrSecurity) {
			outcome = observability.OutcomeSecurity
		}
		observability.RecordInvocation(n.role, outcome, time.Since(start))
		return n.errorReply(err)
	}
	if ctx.Err() != nil {
		// The reply is dropped, so the result must not be registered.
		observability.RecordInvocation(n.role, observability.OutcomeError, time.Since(start))
		return n.errorReply(ctx.Err())
	}
	observability.RecordInvocation(n.role, observability.OutcomeOK, time.Since(start))
	return n.Export(result)
}

// discardReply undoes the export of a reply that will never be sent.
func (n *Node) discardReply(reply *message.Message) {
	if reply != nil && reply.Type == message.TypeProxied {
		n.releaseLocal(reply.ID, false)
	}
}

func (n *Node) invokeLocal(ctx context.Context, obj any, m *message.Message) (any, error) {
	args := make([]any, 0, len(m.Args)+1)
	for _, a := range m.Args {
		v, err := n.importArgument(a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	if m.Callback != nil {
		cb, err := n.importArgument(*m.Callback)
		if err != nil {
			return nil, err
		}
		args = append(args, cb)
	}
	return callMethod(ctx, obj, m.Method, args)
}

// errorReply encodes err with a backtrace limited to caller code.
func (n *Node) errorReply(err error) *message.Message {
	var (
		trace []string
		ie    *invokeError
		pe    *PanicError
		re    *RemoteError
	)
	switch {
	case errors.As(err, &pe):
		trace = pe.Trace
	case errors.As(err, &ie):
		trace = ie.trace
		err = ie.err
	}
	if errors.As(err, &re) {
		return message.Error(re.Type, re.Message, re.Backtrace())
	}
	return message.Error(errorType(err), err.Error(), trace)
}

// Serve answers the peer's requests until the connection closes, then closes
// the node.
func (n *Node) Serve() error {
	err := n.conn.Serve(n.HandleMessage)
	n.shutdown("connection closed", false)
	return err
}

// Close releases every peer object this node holds handles for, clears the
// exported table, says Bye and closes the connection. Closing a closed node
// does nothing.
func (n *Node) Close(reason string) error {
	return n.shutdown(reason, true)
}

func (n *Node) shutdown(reason string, notify bool) error {
	var err error
	n.closeOnce.Do(func() {
		n.state.Store(int32(StateClosing))

		n.mu.Lock()
		ids := make([]uint64, 0, len(n.imports))
		for id := range n.imports {
			ids = append(ids, id)
		}
		n.imports = make(map[uint64]int)
		hooks := n.onClose
		n.mu.Unlock()

		if notify {
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for _, id := range ids {
				if _, serr := n.conn.Send(message.Release(id, true)); serr != nil {
					break
				}
			}
		}
		if cleared := n.exports.clear(); cleared > 0 {
			observability.AddExported(n.role, -cleared)
		}
		if notify {
			n.conn.Send(message.Bye(reason))
		}
		n.cancel()
		err = n.conn.Close()

		n.state.Store(int32(StateClosed))
		close(n.done)
		n.log.Debug().Str("reason", reason).Bool("notified", notify).Msg("node closed")
		for _, fn := range hooks {
			fn(reason)
		}
	})
	return err
}
