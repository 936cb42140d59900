package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"proxy-rmi/message"
)

// Value tags of the binary encoding.
const (
	tagNil    byte = 0
	tagFalse  byte = 1
	tagTrue   byte = 2
	tagInt    byte = 3
	tagUint   byte = 4
	tagFloat  byte = 5
	tagString byte = 6
	tagBytes  byte = 7
	tagList   byte = 8
	tagMap    byte = 9
)

// Flag bits following the sequence number.
const (
	flagAll      byte = 0x01
	flagCallback byte = 0x02
	flagError    byte = 0x04
)

// BinaryCodec writes every message field in a fixed order:
//
//	type u8 | seq u32 | flags u8 | id u64 | typeName | method | name | value
//	| args (u16 count, each: kind u8, id u64, typeName, value) | [callback arg]
//	| [error: type, message, u16 count, lines]
//
// Strings are u32 length + bytes; all integers are big-endian.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *message.Message
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Message")
	}
	if !message.Known(msg.Type) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, msg.Type)
	}

	w := &writer{buf: make([]byte, 0, 64)}
	w.u8(byte(msg.Type))
	w.u32(msg.Seq)

	var flags byte
	if msg.All {
		flags |= flagAll
	}
	if msg.Callback != nil {
		flags |= flagCallback
	}
	if msg.Err != nil {
		flags |= flagError
	}
	w.u8(flags)
	w.u64(msg.ID)
	w.str(msg.TypeName)
	w.str(msg.Method)
	w.str(msg.Name)
	if err := w.value(msg.Value, 0); err != nil {
		return nil, err
	}

	if len(msg.Args) > math.MaxUint16 {
		return nil, &SerializationError{Kind: "args", Err: fmt.Errorf("%d arguments", len(msg.Args))}
	}
	w.u16(uint16(len(msg.Args)))
	for i := range msg.Args {
		if err := w.arg(&msg.Args[i]); err != nil {
			return nil, err
		}
	}
	if msg.Callback != nil {
		if err := w.arg(msg.Callback); err != nil {
			return nil, err
		}
	}
	if msg.Err != nil {
		w.str(msg.Err.Type)
		w.str(msg.Err.Message)
		lines := msg.Err.Backtrace
		if len(lines) > math.MaxUint16 {
			lines = lines[:math.MaxUint16]
		}
		w.u16(uint16(len(lines)))
		for _, line := range lines {
			w.str(line)
		}
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *message.Message
	msg, ok := v.(*message.Message)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Message")
	}

	r := &reader{data: data}
	typ := message.Type(r.u8())
	if r.err == nil && !message.Known(typ) {
		return fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
	*msg = message.Message{Type: typ}
	msg.Seq = r.u32()
	flags := r.u8()
	msg.All = flags&flagAll != 0
	msg.ID = r.u64()
	msg.TypeName = r.str()
	msg.Method = r.str()
	msg.Name = r.str()
	msg.Value = r.value(0)

	if n := int(r.u16()); n > 0 && r.err == nil {
		msg.Args = make([]message.Arg, n)
		for i := range msg.Args {
			msg.Args[i] = r.arg()
		}
	}
	if flags&flagCallback != 0 {
		cb := r.arg()
		msg.Callback = &cb
	}
	if flags&flagError != 0 {
		info := &message.ErrorInfo{Type: r.str(), Message: r.str()}
		if n := int(r.u16()); n > 0 && r.err == nil {
			info.Backtrace = make([]string, n)
			for i := range info.Backtrace {
				info.Backtrace[i] = r.str()
			}
		}
		msg.Err = info
	}
	if r.err == nil && r.off != len(r.data) {
		r.err = fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.data)-r.off)
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type writer struct {
	buf []byte
}

func (w *writer) u8(b byte)      { w.buf = append(w.buf, b) }
func (w *writer) u16(v uint16)   { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)   { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) str(s string)   { w.u32(uint32(len(s))); w.buf = append(w.buf, s...) }
func (w *writer) bytes(b []byte) { w.u32(uint32(len(b))); w.buf = append(w.buf, b...) }

func (w *writer) arg(a *message.Arg) error {
	w.u8(byte(a.Kind))
	w.u64(a.ID)
	w.str(a.TypeName)
	return w.value(a.Value, 0)
}

func (w *writer) value(v any, depth int) error {
	if depth > message.MaxDepth {
		return &SerializationError{Kind: "value", Err: errors.New("nesting too deep")}
	}
	switch x := v.(type) {
	case nil:
		w.u8(tagNil)
	case bool:
		if x {
			w.u8(tagTrue)
		} else {
			w.u8(tagFalse)
		}
	case int64:
		w.u8(tagInt)
		w.u64(uint64(x))
	case uint64:
		w.u8(tagUint)
		w.u64(x)
	case float64:
		w.u8(tagFloat)
		w.u64(math.Float64bits(x))
	case string:
		w.u8(tagString)
		w.str(x)
	case []byte:
		w.u8(tagBytes)
		w.bytes(x)
	case []any:
		w.u8(tagList)
		w.u32(uint32(len(x)))
		for _, e := range x {
			if err := w.value(e, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		w.u8(tagMap)
		w.u32(uint32(len(x)))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.str(k)
			if err := w.value(x[k], depth+1); err != nil {
				return err
			}
		}
	default:
		return &SerializationError{Kind: fmt.Sprintf("%T", v)}
	}
	return nil
}

// reader records the first failure and turns every later read into a no-op,
// so Decode checks the error once at the end.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str() string {
	return string(r.take(int(r.u32())))
}

func (r *reader) arg() message.Arg {
	a := message.Arg{Kind: message.ArgKind(r.u8())}
	a.ID = r.u64()
	a.TypeName = r.str()
	a.Value = r.value(0)
	if r.err == nil && a.Kind > message.ArgReceiver {
		r.err = fmt.Errorf("%w: argument kind %d", ErrMalformed, a.Kind)
	}
	return a
}

func (r *reader) value(depth int) any {
	if depth > message.MaxDepth {
		if r.err == nil {
			r.err = fmt.Errorf("%w: nesting too deep", ErrMalformed)
		}
		return nil
	}
	switch tag := r.u8(); tag {
	case tagNil:
		return nil
	case tagFalse:
		return false
	case tagTrue:
		return true
	case tagInt:
		return int64(r.u64())
	case tagUint:
		return r.u64()
	case tagFloat:
		return math.Float64frombits(r.u64())
	case tagString:
		return r.str()
	case tagBytes:
		b := r.take(int(r.u32()))
		if r.err != nil {
			return nil
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out
	case tagList:
		n := int(r.u32())
		if r.err != nil || n > len(r.data)-r.off {
			r.fail("list length %d", n)
			return nil
		}
		out := make([]any, n)
		for i := range out {
			out[i] = r.value(depth + 1)
		}
		return out
	case tagMap:
		n := int(r.u32())
		if r.err != nil || n > len(r.data)-r.off {
			r.fail("map length %d", n)
			return nil
		}
		out := make(map[string]any, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.str()
			out[k] = r.value(depth + 1)
		}
		return out
	default:
		r.fail("value tag %d", tag)
		return nil
	}
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
	}
}
