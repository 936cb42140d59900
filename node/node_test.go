package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"proxy-rmi/attr"
	"proxy-rmi/message"
	"proxy-rmi/transport"
)

type Counter struct {
	mu sync.Mutex
	n  int
}

func (c *Counter) Add(d int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += d
	return c.n
}

func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Bump is marked noreturn in the tests that use it.
func (c *Counter) Bump() { c.Add(1) }

func (c *Counter) Fail() error { return errors.New("counter exploded") }

func (c *Counter) Panic() { panic("boom") }

func (c *Counter) Echo(v any) any { return v }

func (c *Counter) Same(other *Counter) bool { return other == c }

func (c *Counter) Twice(fn func(int) int) int { return fn(fn(1)) }

func (c *Counter) Apply(x int, fn func(int) int) int { return fn(x) }

func (c *Counter) Sum(xs ...int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

func (c *Counter) Join(parts []string, opts map[string]string) string {
	return strings.Join(parts, opts["sep"])
}

func (c *Counter) Deadline(ctx context.Context, d int) (int, error) {
	if ctx == nil {
		return 0, errors.New("no context")
	}
	return c.Add(d), nil
}

func (c *Counter) Pair() (int, string) { return c.Value(), "pair" }

// connPair returns a connected client/server transport pair over loopback TCP.
func connPair(t *testing.T) (*transport.Conn, *transport.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- nc
	}()
	client, err := transport.Dial(context.Background(), "tcp", ln.Addr().String(), transport.Options{})
	if err != nil {
		t.Fatal(err)
	}
	nc, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	server := transport.New(nc, transport.RoleServer, transport.Options{})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// nodePair returns a client node and a serving server node whose Fetch
// requests are answered from objects.
func nodePair(t *testing.T, objects map[string]any, attrs *attr.Registry) (*Node, *Node) {
	t.Helper()
	cc, sc := connPair(t)
	server := New(sc, Options{Attrs: attrs})
	server.Handle(message.TypeFetch, func(ctx context.Context, req *message.Message) *message.Message {
		v, ok := objects[req.Name]
		if !ok {
			return message.Error("KeyError", "no export "+req.Name, nil)
		}
		return server.Export(v)
	})
	go server.Serve()
	client := New(cc, Options{Attrs: attrs})
	t.Cleanup(func() {
		client.Close("test done")
		server.Close("test done")
	})
	return client, server
}

func fetchHandle(t *testing.T, n *Node, name string) *Handle {
	t.Helper()
	v, err := n.Request(message.Fetch(name))
	if err != nil {
		t.Fatalf("fetch %s: %v", name, err)
	}
	h, ok := v.(*Handle)
	if !ok {
		t.Fatalf("fetch %s: expect handle, got %T", name, v)
	}
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterRefCount(t *testing.T) {
	cc, _ := connPair(t)
	n := New(cc, Options{})
	c := &Counter{}

	id := n.Register(c)
	if again := n.Register(c); again != id {
		t.Fatalf("same object got ids %d and %d", id, again)
	}
	if n.Exported() != 1 || n.RefCount(id) != 2 {
		t.Fatalf("expect one entry with 2 refs, got %d entries, %d refs", n.Exported(), n.RefCount(id))
	}
	if left := n.ReleaseLocal(id); left != 1 {
		t.Fatalf("expect 1 ref left, got %d", left)
	}
	if _, ok := n.Lookup(id); !ok {
		t.Fatal("entry evicted too early")
	}
	if left := n.ReleaseLocal(id); left != 0 {
		t.Fatalf("expect 0 refs left, got %d", left)
	}
	if _, ok := n.Lookup(id); ok {
		t.Fatal("entry not evicted")
	}
	if other := n.Register(&Counter{}); other == id {
		t.Fatal("ids must not be reused")
	}
}

func TestExportChoosesLiteralOrProxy(t *testing.T) {
	cc, _ := connPair(t)
	n := New(cc, Options{})

	m := n.Export([]string{"/bin", "/usr/bin"})
	if m.Type != message.TypeLiteral {
		t.Fatalf("expect literal, got %s", m)
	}
	m = n.Export(&Counter{})
	if m.Type != message.TypeProxied || m.TypeName != "*node.Counter" {
		t.Fatalf("expect proxied *node.Counter, got %s", m)
	}
	m = n.Export(errors.New("not copyable"))
	if m.Type != message.TypeProxied {
		t.Fatalf("errors are never copied, got %s", m)
	}
}

func TestFetchLiteral(t *testing.T) {
	path := []string{"/bin", "/usr/bin", "/usr/local/bin"}
	client, _ := nodePair(t, map[string]any{"path": path}, nil)

	v, err := client.Request(message.Fetch("path"))
	if err != nil {
		t.Fatal(err)
	}
	list, ok := v.([]any)
	if !ok || len(list) != len(path) {
		t.Fatalf("expect list of %d, got %#v", len(path), v)
	}
	for i := range path {
		if list[i] != path[i] {
			t.Fatalf("element %d: %v != %v", i, list[i], path[i])
		}
	}
	if client.Imported() != 0 {
		t.Fatal("a literal must not create a handle")
	}
}

func TestInvokeReturnsLiteral(t *testing.T) {
	c := &Counter{}
	client, _ := nodePair(t, map[string]any{"counter": c}, nil)
	h := fetchHandle(t, client, "counter")

	if h.TypeName() != "*node.Counter" {
		t.Fatalf("type name %q", h.TypeName())
	}
	v, err := h.Invoke("Add", 5)
	if err != nil {
		t.Fatal(err)
	}
	if v != int64(5) {
		t.Fatalf("expect 5, got %#v", v)
	}
	if c.Value() != 5 {
		t.Fatalf("server object not updated: %d", c.Value())
	}

	v, err = h.Invoke("Pair")
	if err != nil {
		t.Fatal(err)
	}
	if pair, ok := v.([]any); !ok || pair[0] != int64(5) || pair[1] != "pair" {
		t.Fatalf("expect [5 pair], got %#v", v)
	}
}

func TestArgumentConversion(t *testing.T) {
	client, _ := nodePair(t, map[string]any{"counter": &Counter{}}, nil)
	h := fetchHandle(t, client, "counter")

	if v, err := h.Invoke("Sum", 1, 2, 3); err != nil || v != int64(6) {
		t.Fatalf("Sum = %v, %v", v, err)
	}
	if v, err := h.Invoke("Sum"); err != nil || v != int64(0) {
		t.Fatalf("empty Sum = %v, %v", v, err)
	}
	v, err := h.Invoke("Join", []string{"a", "b"}, map[string]string{"sep": "-"})
	if err != nil || v != "a-b" {
		t.Fatalf("Join = %v, %v", v, err)
	}
	if v, err := h.Invoke("Deadline", 2); err != nil || v != int64(2) {
		t.Fatalf("Deadline = %v, %v", v, err)
	}

	_, err = h.Invoke("Add", "five")
	var rerr *RemoteError
	if !errors.As(err, &rerr) || rerr.Type != TypeArgumentError {
		t.Fatalf("expect ArgumentError, got %v", err)
	}
	_, err = h.Invoke("Missing")
	if !errors.As(err, &rerr) || rerr.Type != TypeMethodError {
		t.Fatalf("expect NoMethodError, got %v", err)
	}
}

func TestInvokeUnregisteredIDIsSecurityError(t *testing.T) {
	client, _ := nodePair(t, map[string]any{"counter": &Counter{}}, nil)

	forged := &Handle{node: client, id: 999, typeName: "*node.Counter"}
	_, err := forged.Invoke("Add", 1)
	if !errors.Is(err, ErrSecurity) {
		t.Fatalf("expect security error, got %v", err)
	}
	var rerr *RemoteError
	if !errors.As(err, &rerr) || rerr.Type != TypeSecurityError {
		t.Fatalf("expect RemoteError of type SecurityError, got %#v", err)
	}

	// The connection survives the rejection.
	h := fetchHandle(t, client, "counter")
	if _, err := h.Invoke("Add", 1); err != nil {
		t.Fatalf("connection unusable after security error: %v", err)
	}
}

func TestRemoteErrorCarriesBothTraces(t *testing.T) {
	client, _ := nodePair(t, map[string]any{"counter": &Counter{}}, nil)
	h := fetchHandle(t, client, "counter")

	_, err := h.Invoke("Fail")
	var rerr *RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("expect RemoteError, got %v", err)
	}
	if rerr.Type != "errors.errorString" || rerr.Message != "counter exploded" {
		t.Fatalf("unexpected error %s: %s", rerr.Type, rerr.Message)
	}
	trace := strings.Join(rerr.Backtrace(), "\n")
	if !strings.Contains(trace, "(*Counter).Fail") {
		t.Errorf("backtrace misses remote frame:\n%s", trace)
	}
	if !strings.Contains(trace, "TestRemoteErrorCarriesBothTraces") {
		t.Errorf("backtrace misses local call site:\n%s", trace)
	}
	for _, line := range rerr.Backtrace() {
		if strings.Contains(line, "proxy-rmi/transport") || strings.HasPrefix(line, "runtime.") {
			t.Errorf("internal frame leaked into backtrace: %s", line)
		}
	}
}

func TestPanicBecomesErrorReply(t *testing.T) {
	client, server := nodePair(t, map[string]any{"counter": &Counter{}}, nil)
	h := fetchHandle(t, client, "counter")

	_, err := h.Invoke("Panic")
	var rerr *RemoteError
	if !errors.As(err, &rerr) || rerr.Type != TypePanic || !strings.Contains(rerr.Message, "boom") {
		t.Fatalf("expect panic error, got %v", err)
	}
	if server.State() != StateOpen {
		t.Fatal("a panicking method must not close the server node")
	}
}

func TestNoReturn(t *testing.T) {
	attrs := attr.New()
	if err := attrs.SetMethod("*node.Counter", "Bump", attr.NoReturn); err != nil {
		t.Fatal(err)
	}
	c := &Counter{}
	client, _ := nodePair(t, map[string]any{"counter": c}, attrs)
	h := fetchHandle(t, client, "counter")

	for i := 0; i < 3; i++ {
		v, err := h.Invoke("Bump")
		if err != nil || v != nil {
			t.Fatalf("noreturn invoke = %v, %v", v, err)
		}
	}
	// Requests are served in order, so Value sees every Bump.
	v, err := h.Invoke("Value")
	if err != nil || v != int64(3) {
		t.Fatalf("Value = %v, %v", v, err)
	}
}

func TestFuncArgumentCallsBack(t *testing.T) {
	client, _ := nodePair(t, map[string]any{"counter": &Counter{}}, nil)
	h := fetchHandle(t, client, "counter")

	calls := 0
	v, err := h.Invoke("Twice", func(x int) int {
		calls++
		return x * 10
	})
	if err != nil {
		t.Fatal(err)
	}
	if v != int64(100) || calls != 2 {
		t.Fatalf("Twice = %v after %d calls", v, calls)
	}

	v, err = h.InvokeWithCallback("Apply", func(x int) int { return x + 1 }, 41)
	if err != nil || v != int64(42) {
		t.Fatalf("Apply = %v, %v", v, err)
	}
}

func TestLocalRoundTrip(t *testing.T) {
	client, _ := nodePair(t, map[string]any{"counter": &Counter{}}, nil)
	h := fetchHandle(t, client, "counter")

	// A client object sent to the server comes back as itself.
	mine := &Counter{}
	v, err := h.Invoke("Echo", mine)
	if err != nil {
		t.Fatal(err)
	}
	if v != mine {
		t.Fatalf("expect the original object back, got %#v", v)
	}

	// A server handle passed back to the server resolves to the object.
	v, err = h.Invoke("Same", h)
	if err != nil || v != true {
		t.Fatalf("Same = %v, %v", v, err)
	}
}

func TestHandleReleaseDecrementsPeer(t *testing.T) {
	c := &Counter{}
	client, server := nodePair(t, map[string]any{"counter": c}, nil)

	h1 := fetchHandle(t, client, "counter")
	h2 := fetchHandle(t, client, "counter")
	if h1.ID() != h2.ID() {
		t.Fatalf("same object exported under %d and %d", h1.ID(), h2.ID())
	}
	if server.RefCount(h1.ID()) != 2 {
		t.Fatalf("expect 2 refs, got %d", server.RefCount(h1.ID()))
	}

	if err := h1.Release(); err != nil {
		t.Fatal(err)
	}
	h1.Release()
	eventually(t, "first release", func() bool { return server.RefCount(h1.ID()) == 1 })

	if _, err := h1.Invoke("Value"); !errors.Is(err, ErrReleased) {
		t.Fatalf("expect ErrReleased, got %v", err)
	}
	if _, err := h2.Invoke("Value"); err != nil {
		t.Fatalf("second handle unusable: %v", err)
	}

	h2.Release()
	eventually(t, "eviction", func() bool { return server.Exported() == 0 })
	if client.Imported() != 0 {
		t.Fatalf("client still tracks %d imports", client.Imported())
	}
}

func TestConcurrentInvoke(t *testing.T) {
	c := &Counter{}
	client, _ := nodePair(t, map[string]any{"counter": c}, nil)
	h := fetchHandle(t, client, "counter")

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Invoke("Add", 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if c.Value() != callers {
		t.Fatalf("expect %d, got %d", callers, c.Value())
	}
}

func TestUnsupportedRequest(t *testing.T) {
	client, _ := nodePair(t, nil, nil)
	_, err := client.Request(message.Eval("1+1"))
	var rerr *RemoteError
	if !errors.As(err, &rerr) || rerr.Type != "ProtocolError" {
		t.Fatalf("expect ProtocolError reply, got %v", err)
	}
}

func TestCloseReleasesImportsAndSaysBye(t *testing.T) {
	cc, peer := connPair(t)
	n := New(cc, Options{})

	for _, id := range []uint64{7, 3, 7} {
		if _, err := n.Import(message.Proxied(id, "*main.Thing")); err != nil {
			t.Fatal(err)
		}
	}
	n.Register(&Counter{})
	if n.Imported() != 2 {
		t.Fatalf("expect 2 imported ids, got %d", n.Imported())
	}

	if err := n.Close("client closing"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := n.Close("again"); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if n.State() != StateClosed || n.Exported() != 0 || n.Imported() != 0 {
		t.Fatalf("state %s, %d exported, %d imported", n.State(), n.Exported(), n.Imported())
	}

	var got []string
	for i := 0; i < 3; i++ {
		m, err := peer.Receive()
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		got = append(got, fmt.Sprintf("%s:%d:%t:%s", m.Type, m.ID, m.All, m.Name))
	}
	want := []string{"release:3:true:", "release:7:true:", "bye:0:false:client closing"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("peer saw %v, want %v", got, want)
	}
	if err := n.Send(message.ListExports()); !errors.Is(err, transport.ErrStopping) {
		t.Fatalf("expect ErrStopping after close, got %v", err)
	}
}

func TestByeClosesNode(t *testing.T) {
	cc, peer := connPair(t)
	n := New(cc, Options{})
	closed := make(chan string, 1)
	n.OnClose(func(reason string) { closed <- reason })

	served := make(chan error, 1)
	go func() { served <- n.Serve() }()
	if _, err := peer.Send(message.Bye("server stopping")); err != nil {
		t.Fatal(err)
	}

	select {
	case reason := <-closed:
		if reason != "server stopping" {
			t.Fatalf("close reason %q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("node not closed by bye")
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	if _, err := n.Request(message.ListExports()); !errors.Is(err, transport.ErrStopping) {
		t.Fatalf("expect ErrStopping, got %v", err)
	}
}

func TestReleaseOfUnknownIDIsNotFatal(t *testing.T) {
	cc, sc := connPair(t)
	server := New(sc, Options{})
	server.Handle(message.TypeListExports, func(ctx context.Context, req *message.Message) *message.Message {
		return message.Literal([]any{"counter"})
	})
	go server.Serve()

	if _, err := cc.Send(message.Release(12345, false)); err != nil {
		t.Fatal(err)
	}
	reply, err := cc.SendAndWait(message.ListExports(), nil)
	if err != nil {
		t.Fatalf("server stopped answering: %v", err)
	}
	if reply.Type != message.TypeLiteral {
		t.Fatalf("unexpected reply %s", reply)
	}
}

func TestPeerDisconnectClosesNode(t *testing.T) {
	cc, peer := connPair(t)
	n := New(cc, Options{})
	h, _ := n.Import(message.Proxied(1, "*main.Thing"))

	done := make(chan error, 1)
	go func() {
		_, err := h.(*Handle).Invoke("Anything")
		done <- err
	}()
	if _, err := peer.Receive(); err != nil {
		t.Fatal(err)
	}
	peer.Close()

	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("expect ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released")
	}
	select {
	case <-n.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("node not closed after disconnect")
	}
	if err := h.(*Handle).Release(); err != nil {
		t.Fatalf("release after close should be a no-op, got %v", err)
	}
}
