package middleware

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"proxy-rmi/message"
)

// echoHandler answers every request with a literal "ok".
func echoHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.Literal("ok")
}

// slowHandler sleeps 200ms before answering.
func slowHandler(ctx context.Context, req *message.Message) *message.Message {
	time.Sleep(200 * time.Millisecond)
	return message.Literal("ok")
}

func failingHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.Error("*errors.errorString", "boom", nil)
}

func invokeReq() *message.Message {
	req := message.Invoke(7, "Add", nil, nil)
	req.Seq = 1
	return req
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := logger.WithContext(context.Background())

	resp := LoggingMiddleware()(echoHandler)(ctx, invokeReq())
	if resp == nil || resp.Value != "ok" {
		t.Fatalf("expect literal ok, got %v", resp)
	}
	if !strings.Contains(buf.String(), `"method":"Add"`) {
		t.Fatalf("log misses method: %s", buf.String())
	}

	buf.Reset()
	LoggingMiddleware()(failingHandler)(ctx, invokeReq())
	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"error":"boom"`) {
		t.Fatalf("expect warning with error, got %s", out)
	}
}

func TestLoggingWithoutLogger(t *testing.T) {
	resp := LoggingMiddleware()(echoHandler)(context.Background(), invokeReq())
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
}

func TestTimeoutPass(t *testing.T) {
	// 500ms limit, fast handler: the reply passes through.
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), invokeReq())
	if resp.Type != message.TypeLiteral {
		t.Fatalf("expect literal reply, got %s", resp)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 50ms limit, 200ms handler: the request times out.
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), invokeReq())
	if resp.Type != message.TypeError || resp.Err.Message != "request timed out" {
		t.Fatalf("expect timeout error, got %s", resp)
	}
}

func TestTimeoutDiscardsLateReply(t *testing.T) {
	discarded := make(chan *message.Message, 1)
	ctx := WithDiscard(context.Background(), func(m *message.Message) { discarded <- m })

	// The handler ignores cancellation and answers with a reference.
	handler := TimeOutMiddleware(20 * time.Millisecond)(func(ctx context.Context, req *message.Message) *message.Message {
		time.Sleep(100 * time.Millisecond)
		return message.Proxied(9, "Counter")
	})
	if resp := handler(ctx, invokeReq()); resp.Type != message.TypeError {
		t.Fatalf("expect timeout error, got %s", resp)
	}
	select {
	case m := <-discarded:
		if m.Type != message.TypeProxied || m.ID != 9 {
			t.Fatalf("unexpected discarded reply %s", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late reply never discarded")
	}
}

func TestTimeoutNoReply(t *testing.T) {
	handler := TimeOutMiddleware(time.Second)(func(ctx context.Context, req *message.Message) *message.Message {
		return nil
	})
	if resp := handler(context.Background(), invokeReq()); resp != nil {
		t.Fatalf("expect no reply, got %s", resp)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), invokeReq())
		if resp.Type == message.TypeError {
			t.Fatalf("request %d should pass, got error: %s", i, resp)
		}
	}

	resp := handler(context.Background(), invokeReq())
	if resp.Type != message.TypeError || resp.Err.Type != "RateLimitError" {
		t.Fatalf("request 3 should be rate limited, got: %s", resp)
	}
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) *message.Message {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	chained := Chain(tag("a"), tag("b"), LoggingMiddleware(), TimeOutMiddleware(500*time.Millisecond))
	resp := chained(echoHandler)(context.Background(), invokeReq())

	if resp == nil || resp.Type == message.TypeError {
		t.Fatalf("expect literal reply, got %v", resp)
	}
	if strings.Join(order, ",") != "a,b" {
		t.Fatalf("middlewares ran in order %v", order)
	}
}
