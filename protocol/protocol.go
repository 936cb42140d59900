// Package protocol implements the frame format of proxy connections.
//
// It solves the stream's framing problem with a fixed-size 9-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│marker│v │fl│ bodyLen │    body ...    │
//	│ prx  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// The flags byte holds the codec type in its low bits and FlagCompressed in
// its high bit. The marker lets a reader detect a desynchronized stream
// instead of misreading payload bytes as a length.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"proxy-rmi/codec"
)

// Marker bytes: "prx".
const (
	MarkerByte1 byte = 0x70 // 'p'
	MarkerByte2 byte = 0x72 // 'r'
	MarkerByte3 byte = 0x78 // 'x'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (marker) + 1 (version) + 1 (flags) + 4 (bodyLen)

	FlagCompressed byte = 0x80
	codecMask      byte = 0x0f

	// DefaultMaxBodySize bounds the body length accepted by Decode.
	DefaultMaxBodySize uint32 = 16 << 20
)

// ErrBodyTooLarge is wrapped when a frame announces a body above the limit.
var ErrBodyTooLarge = errors.New("protocol: body too large")

// ProtocolError reports a malformed or unexpected frame. It is fatal to the
// connection that produced it.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Op + ": " + e.Err.Error() }

func (e *ProtocolError) Unwrap() error { return e.Err }

// Header represents the fixed 9-byte frame header.
type Header struct {
	CodecType  codec.CodecType
	Compressed bool
	BodyLen    uint32 // Body length in bytes, after compression
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdErr  error

	zstdDecMu sync.Mutex
	zstdDecs  = make(map[uint32]*zstd.Decoder)
)

// zstdEncoder returns the process-wide encoder; EncodeAll is safe for
// concurrent use.
func zstdEncoder() (*zstd.Encoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
	})
	return zstdEnc, zstdErr
}

// zstdDecoder returns a shared decoder that refuses to inflate past maxBody
// bytes. The window is capped by the same limit.
func zstdDecoder(maxBody uint32) (*zstd.Decoder, error) {
	zstdDecMu.Lock()
	defer zstdDecMu.Unlock()
	if dec, ok := zstdDecs[maxBody]; ok {
		return dec, nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxBody)))
	if err != nil {
		return nil, err
	}
	zstdDecs[maxBody] = dec
	return dec, nil
}

// Encode writes a complete frame (header + body) to w, compressing the body
// when h.Compressed is set.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if h.Compressed {
		enc, err := zstdEncoder()
		if err != nil {
			return err
		}
		body = enc.EncodeAll(body, nil)
	}
	if uint64(len(body)) > uint64(^uint32(0)) {
		return &ProtocolError{Op: "encode", Err: fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))}
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MarkerByte1, MarkerByte2, MarkerByte3})
	buf[3] = Version
	buf[4] = byte(h.CodecType) & codecMask
	if h.Compressed {
		buf[4] |= FlagCompressed
	}
	binary.BigEndian.PutUint32(buf[5:9], h.BodyLen)

	// One Write per frame so that a writer shared by several connections'
	// goroutines never sees half a frame.
	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads a complete frame (header + body) from r and returns the
// decompressed body. A clean end of stream before the header is returned as
// io.EOF; any other failure to read a whole frame is io.ErrUnexpectedEOF or
// the reader's error; a bad header is a *ProtocolError.
func Decode(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	if maxBody == 0 {
		maxBody = DefaultMaxBodySize
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MarkerByte1 || headerBuf[1] != MarkerByte2 || headerBuf[2] != MarkerByte3 {
		return nil, nil, &ProtocolError{Op: "decode", Err: fmt.Errorf("invalid marker: %x", headerBuf[0:3])}
	}
	if headerBuf[3] != Version {
		return nil, nil, &ProtocolError{Op: "decode", Err: fmt.Errorf("unsupported version: %d", headerBuf[3])}
	}
	ct := codec.CodecType(headerBuf[4] & codecMask)
	if ct != codec.CodecTypeJSON && ct != codec.CodecTypeBinary {
		return nil, nil, &ProtocolError{Op: "decode", Err: fmt.Errorf("unsupported codec type: %d", ct)}
	}

	h := &Header{
		CodecType:  ct,
		Compressed: headerBuf[4]&FlagCompressed != 0,
		BodyLen:    binary.BigEndian.Uint32(headerBuf[5:9]),
	}
	if h.BodyLen > maxBody {
		return nil, nil, &ProtocolError{Op: "decode", Err: fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, h.BodyLen, maxBody)}
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	if h.Compressed {
		dec, err := zstdDecoder(maxBody)
		if err != nil {
			return nil, nil, err
		}
		body, err = dec.DecodeAll(body, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, nil, &ProtocolError{Op: "decompress", Err: fmt.Errorf("%w: inflates past %d", ErrBodyTooLarge, maxBody)}
		}
		if err != nil {
			return nil, nil, &ProtocolError{Op: "decompress", Err: err}
		}
		if uint64(len(body)) > uint64(maxBody) {
			return nil, nil, &ProtocolError{Op: "decompress", Err: fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, len(body), maxBody)}
		}
	}
	return h, body, nil
}
