// Package message defines the messages exchanged between two proxy nodes.
//
// A Message is the "envelope" for every exchange on a connection. It gets
// serialized by the codec layer and wrapped in a protocol frame for
// transmission. The Type field selects the variant; only the fields listed for
// that variant are meaningful:
//
//	Literal      Value
//	Proxied      ID, TypeName
//	Local        ID
//	Fetch        Name
//	Error        Err
//	Invoke       ID (target), Method, Args, Callback
//	Release      ID, All
//	Bye          Name (reason, may be empty)
//	ListExports  -
//	Shutdown     -
//	Eval         Name (source)
//	extensions   Name, Value
//
// Every variant carries Seq, the correlation id of the request it belongs to.
// Zero means "not assigned yet"; the connection fills it in on send.
package message

import (
	"fmt"
	"strings"
	"sync"
)

// Type is the message tag written on the wire.
type Type uint8

const (
	TypeLiteral     Type = 1
	TypeProxied     Type = 2
	TypeLocal       Type = 3
	TypeFetch       Type = 4
	TypeError       Type = 5
	TypeInvoke      Type = 6
	TypeRelease     Type = 7
	TypeBye         Type = 8
	TypeListExports Type = 9
	TypeShutdown    Type = 10
	TypeEval        Type = 11
)

// FirstExtension is the lowest tag available to RegisterType.
const FirstExtension Type = 32

var (
	typesMu   sync.RWMutex
	typeNames = map[Type]string{
		TypeLiteral:     "literal",
		TypeProxied:     "proxied",
		TypeLocal:       "local",
		TypeFetch:       "fetch",
		TypeError:       "error",
		TypeInvoke:      "invoke",
		TypeRelease:     "release",
		TypeBye:         "bye",
		TypeListExports: "list_exports",
		TypeShutdown:    "shutdown",
		TypeEval:        "eval",
	}
)

// RegisterType adds an extension tag. Both peers must register the same tags
// before exchanging them; codecs reject tags that are not registered.
func RegisterType(t Type, name string) error {
	if t < FirstExtension {
		return fmt.Errorf("message: tag %d is reserved", t)
	}
	if name == "" {
		return fmt.Errorf("message: tag %d needs a name", t)
	}
	typesMu.Lock()
	defer typesMu.Unlock()
	if prev, ok := typeNames[t]; ok {
		return fmt.Errorf("message: tag %d already registered as %q", t, prev)
	}
	typeNames[t] = name
	return nil
}

// Known reports whether t is a core tag or a registered extension.
func Known(t Type) bool {
	typesMu.RLock()
	defer typesMu.RUnlock()
	_, ok := typeNames[t]
	return ok
}

func (t Type) String() string {
	typesMu.RLock()
	defer typesMu.RUnlock()
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// IsReply reports whether t answers a request (as opposed to being one).
func (t Type) IsReply() bool {
	switch t {
	case TypeLiteral, TypeProxied, TypeLocal, TypeError:
		return true
	}
	return false
}

// ArgKind says how an invocation argument is encoded.
type ArgKind uint8

const (
	ArgLiteral  ArgKind = 0 // Value is a copied literal
	ArgSender   ArgKind = 1 // ID is exported by the sender; TypeName names it
	ArgReceiver ArgKind = 2 // ID is already exported by the receiver
)

// Arg is a single encoded invocation argument.
type Arg struct {
	Kind     ArgKind
	Value    any
	ID       uint64
	TypeName string
}

// ErrorInfo describes a failure raised while serving a request.
type ErrorInfo struct {
	Type      string
	Message   string
	Backtrace []string
}

// Message is one protocol message.
type Message struct {
	Type     Type
	Seq      uint32
	Value    any
	ID       uint64
	TypeName string
	Method   string
	Args     []Arg
	Callback *Arg
	Err      *ErrorInfo
	All      bool
	Name     string
}

// Literal builds a by-copy value message. v must already be canonical (see
// Normalize). A nil byte slice is stored as an empty one, as it decodes.
func Literal(v any) *Message {
	if b, ok := v.([]byte); ok && b == nil {
		v = []byte{}
	}
	return &Message{Type: TypeLiteral, Value: v}
}

// Proxied describes an object exported by the sender under id.
func Proxied(id uint64, typeName string) *Message {
	return &Message{Type: TypeProxied, ID: id, TypeName: typeName}
}

// Local refers to an object the receiver already exports under id.
func Local(id uint64) *Message { return &Message{Type: TypeLocal, ID: id} }

// Fetch asks the server for the front value called name.
func Fetch(name string) *Message { return &Message{Type: TypeFetch, Name: name} }

// Error builds an error reply. An empty backtrace is stored as nil, as it
// decodes.
func Error(typ, msg string, backtrace []string) *Message {
	if len(backtrace) == 0 {
		backtrace = nil
	}
	return &Message{Type: TypeError, Err: &ErrorInfo{Type: typ, Message: msg, Backtrace: backtrace}}
}

// Invoke builds a call request for method on the receiver's object id. An
// empty argument list is stored as nil, as it decodes.
func Invoke(id uint64, method string, args []Arg, callback *Arg) *Message {
	if len(args) == 0 {
		args = nil
	}
	return &Message{Type: TypeInvoke, ID: id, Method: method, Args: args, Callback: callback}
}

// Release drops one reference to the receiver's object id, or all of them.
func Release(id uint64, all bool) *Message { return &Message{Type: TypeRelease, ID: id, All: all} }

// Bye announces an orderly shutdown of the sending node.
func Bye(reason string) *Message { return &Message{Type: TypeBye, Name: reason} }

// ListExports asks the server for its exported names.
func ListExports() *Message { return &Message{Type: TypeListExports} }

// Shutdown asks the server to stop serving.
func Shutdown() *Message { return &Message{Type: TypeShutdown} }

// Eval asks the server to evaluate src, if it allows it.
func Eval(src string) *Message { return &Message{Type: TypeEval, Name: src} }

func (m *Message) String() string {
	if m == nil {
		return "<nil message>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s#%d", m.Type, m.Seq)
	switch m.Type {
	case TypeLiteral:
		fmt.Fprintf(&b, " %v", m.Value)
	case TypeProxied:
		fmt.Fprintf(&b, " id=%d type=%s", m.ID, m.TypeName)
	case TypeLocal:
		fmt.Fprintf(&b, " id=%d", m.ID)
	case TypeInvoke:
		fmt.Fprintf(&b, " id=%d method=%s args=%d", m.ID, m.Method, len(m.Args))
	case TypeRelease:
		fmt.Fprintf(&b, " id=%d all=%t", m.ID, m.All)
	case TypeError:
		if m.Err != nil {
			fmt.Fprintf(&b, " %s: %s", m.Err.Type, m.Err.Message)
		}
	case TypeFetch, TypeBye, TypeEval:
		if m.Name != "" {
			fmt.Fprintf(&b, " %q", m.Name)
		}
	}
	return b.String()
}
