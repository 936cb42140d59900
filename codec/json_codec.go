package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"proxy-rmi/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Literal values are wrapped as {"k": kind, "v": value} so that integer,
// unsigned, float and byte values keep their exact kind across the wire.
// Pros: human-readable, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload.
type JSONCodec struct{}

type jsonMessage struct {
	Type     uint8              `json:"type"`
	Seq      uint32             `json:"seq,omitempty"`
	Value    *jsonValue         `json:"value,omitempty"`
	ID       uint64             `json:"id,omitempty"`
	TypeName string             `json:"type_name,omitempty"`
	Method   string             `json:"method,omitempty"`
	Args     []jsonArg          `json:"args,omitempty"`
	Callback *jsonArg           `json:"callback,omitempty"`
	Err      *message.ErrorInfo `json:"error,omitempty"`
	All      bool               `json:"all,omitempty"`
	Name     string             `json:"name,omitempty"`
}

type jsonArg struct {
	Kind     message.ArgKind `json:"kind"`
	ID       uint64          `json:"id,omitempty"`
	TypeName string          `json:"type_name,omitempty"`
	Value    *jsonValue      `json:"value,omitempty"`
}

type jsonValue struct {
	K string          `json:"k"`
	V json.RawMessage `json:"v,omitempty"`
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errors.New("JSONCodec: v must be *message.Message")
	}
	if !message.Known(msg.Type) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, msg.Type)
	}
	out := jsonMessage{
		Type:     uint8(msg.Type),
		Seq:      msg.Seq,
		ID:       msg.ID,
		TypeName: msg.TypeName,
		Method:   msg.Method,
		Err:      msg.Err,
		All:      msg.All,
		Name:     msg.Name,
	}
	var err error
	if out.Value, err = toJSONValue(msg.Value, 0); err != nil {
		return nil, err
	}
	for i := range msg.Args {
		a, err := toJSONArg(&msg.Args[i])
		if err != nil {
			return nil, err
		}
		out.Args = append(out.Args, a)
	}
	if msg.Callback != nil {
		a, err := toJSONArg(msg.Callback)
		if err != nil {
			return nil, err
		}
		out.Callback = &a
	}
	return json.Marshal(&out)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok {
		return errors.New("JSONCodec: v must be *message.Message")
	}
	var in jsonMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !message.Known(message.Type(in.Type)) {
		return fmt.Errorf("%w: %d", ErrUnknownType, in.Type)
	}
	*msg = message.Message{
		Type:     message.Type(in.Type),
		Seq:      in.Seq,
		ID:       in.ID,
		TypeName: in.TypeName,
		Method:   in.Method,
		Err:      in.Err,
		All:      in.All,
		Name:     in.Name,
	}
	var err error
	if msg.Value, err = fromJSONValue(in.Value, 0); err != nil {
		return err
	}
	for _, a := range in.Args {
		arg, err := fromJSONArg(&a)
		if err != nil {
			return err
		}
		msg.Args = append(msg.Args, arg)
	}
	if in.Callback != nil {
		cb, err := fromJSONArg(in.Callback)
		if err != nil {
			return err
		}
		msg.Callback = &cb
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func toJSONArg(a *message.Arg) (jsonArg, error) {
	v, err := toJSONValue(a.Value, 0)
	if err != nil {
		return jsonArg{}, err
	}
	return jsonArg{Kind: a.Kind, ID: a.ID, TypeName: a.TypeName, Value: v}, nil
}

func fromJSONArg(a *jsonArg) (message.Arg, error) {
	if a.Kind > message.ArgReceiver {
		return message.Arg{}, fmt.Errorf("%w: argument kind %d", ErrMalformed, a.Kind)
	}
	v, err := fromJSONValue(a.Value, 0)
	if err != nil {
		return message.Arg{}, err
	}
	return message.Arg{Kind: a.Kind, ID: a.ID, TypeName: a.TypeName, Value: v}, nil
}

// toJSONValue returns nil for a nil value so that it is omitted entirely.
func toJSONValue(v any, depth int) (*jsonValue, error) {
	if depth > message.MaxDepth {
		return nil, &SerializationError{Kind: "value", Err: errors.New("nesting too deep")}
	}
	var (
		kind string
		raw  any
	)
	switch x := v.(type) {
	case nil:
		if depth == 0 {
			return nil, nil
		}
		return &jsonValue{K: "n"}, nil
	case bool:
		kind, raw = "b", x
	case int64:
		kind, raw = "i", x
	case uint64:
		kind, raw = "u", x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, &SerializationError{Kind: "float64", Err: fmt.Errorf("%v has no JSON form", x)}
		}
		kind, raw = "f", x
	case string:
		kind, raw = "s", x
	case []byte:
		kind, raw = "y", x
	case []any:
		list := make([]*jsonValue, len(x))
		for i, e := range x {
			jv, err := toJSONValue(e, depth+1)
			if err != nil {
				return nil, err
			}
			list[i] = jv
		}
		kind, raw = "l", list
	case map[string]any:
		m := make(map[string]*jsonValue, len(x))
		for k, e := range x {
			jv, err := toJSONValue(e, depth+1)
			if err != nil {
				return nil, err
			}
			m[k] = jv
		}
		kind, raw = "m", m
	default:
		return nil, &SerializationError{Kind: fmt.Sprintf("%T", v)}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, &SerializationError{Kind: kind, Err: err}
	}
	return &jsonValue{K: kind, V: data}, nil
}

func fromJSONValue(jv *jsonValue, depth int) (any, error) {
	if jv == nil || jv.K == "n" {
		return nil, nil
	}
	if depth > message.MaxDepth {
		return nil, fmt.Errorf("%w: nesting too deep", ErrMalformed)
	}
	var (
		out any
		err error
	)
	switch jv.K {
	case "b":
		var b bool
		err = json.Unmarshal(jv.V, &b)
		out = b
	case "i":
		var i int64
		err = json.Unmarshal(jv.V, &i)
		out = i
	case "u":
		var u uint64
		err = json.Unmarshal(jv.V, &u)
		out = u
	case "f":
		var f float64
		err = json.Unmarshal(jv.V, &f)
		out = f
	case "s":
		var s string
		err = json.Unmarshal(jv.V, &s)
		out = s
	case "y":
		b := []byte{}
		err = json.Unmarshal(jv.V, &b)
		out = b
	case "l":
		var raw []*jsonValue
		if err = json.Unmarshal(jv.V, &raw); err != nil {
			break
		}
		list := make([]any, len(raw))
		for i, e := range raw {
			if list[i], err = fromJSONValue(e, depth+1); err != nil {
				return nil, err
			}
		}
		out = list
	case "m":
		var raw map[string]*jsonValue
		if err = json.Unmarshal(jv.V, &raw); err != nil {
			break
		}
		m := make(map[string]any, len(raw))
		for k, e := range raw {
			if m[k], err = fromJSONValue(e, depth+1); err != nil {
				return nil, err
			}
		}
		out = m
	default:
		return nil, fmt.Errorf("%w: value kind %q", ErrMalformed, jv.K)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}
