// Package codec serializes protocol messages into frame payloads.
//
// Two codecs exist: BinaryCodec (compact, the default) and JSONCodec
// (human-readable, handy when sniffing a connection). Both preserve the exact
// literal kinds of the message set (int64 stays int64, uint64 stays uint64),
// so Decode(Encode(m)) reproduces m.
package codec

import (
	"errors"
	"fmt"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

// ErrMalformed is wrapped by decode failures caused by bad payload bytes.
var ErrMalformed = errors.New("codec: malformed payload")

// ErrUnknownType is wrapped when a payload carries an unregistered message tag.
var ErrUnknownType = errors.New("codec: unknown message type")

// SerializationError reports a value that could not be encoded. It is fatal
// to the send attempt only.
type SerializationError struct {
	Kind string
	Err  error
}

func (e *SerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: cannot encode %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("codec: cannot encode %s", e.Kind)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseType maps a configuration name to a codec type.
func ParseType(name string) (CodecType, error) {
	switch name {
	case "", "binary":
		return CodecTypeBinary, nil
	case "json":
		return CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}
