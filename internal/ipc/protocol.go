package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
)

const (
	// CloseSentinel ends a session when sent in place of a query
	CloseSentinel = "#CLOSE#"

	// MaxFrameSize bounds a single frame body
	MaxFrameSize = 16 << 20

	frameHeaderBytes = 4
)

// WriteFrame writes body prefixed with its big-endian uint32 length
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return lberrors.NewProtocolError(fmt.Sprintf("frame of %d bytes exceeds limit", len(body)), nil)
	}

	buf := make([]byte, frameHeaderBytes+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[frameHeaderBytes:], body)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. Transport errors, io.EOF
// included, are returned unchanged; an oversized length is a protocol error.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimit(r, MaxFrameSize)
}

// readFrameLimit is ReadFrame with a caller-chosen body limit. The length is
// checked before the body is allocated.
func readFrameLimit(r io.Reader, limit uint32) ([]byte, error) {
	var header [frameHeaderBytes]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > limit {
		return nil, lberrors.NewProtocolError(fmt.Sprintf("frame of %d bytes exceeds limit of %d", size, limit), nil)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func isString(code byte) bool {
	return msgpcode.IsFixedString(code) || code == msgpcode.Str8 ||
		code == msgpcode.Str16 || code == msgpcode.Str32
}

func isMap(code byte) bool {
	return code == msgpcode.Map16 || code == msgpcode.Map32 || msgpcode.IsFixedMap(code)
}

// decodeRequest classifies a request body. It returns closing=true for the
// close sentinel, a query for a well-formed map and a protocol error for
// anything else.
func decodeRequest(body []byte) (q *domain.Query, closing bool, err error) {
	dec := msgpack.NewDecoder(bytes.NewReader(body))

	code, err := dec.PeekCode()
	if err != nil {
		return nil, false, lberrors.NewProtocolError("empty request", err)
	}

	switch {
	case isString(code):
		s, err := dec.DecodeString()
		if err != nil {
			return nil, false, lberrors.NewProtocolError("malformed string", err)
		}
		if s != CloseSentinel {
			return nil, false, lberrors.NewProtocolError(fmt.Sprintf("unexpected string message %q", s), nil)
		}
		return nil, true, nil

	case isMap(code):
		var query domain.Query
		if err := dec.Decode(&query); err != nil {
			return nil, false, lberrors.NewProtocolError("malformed query", err)
		}
		if !query.Kind.Valid() {
			return nil, false, lberrors.NewProtocolError(fmt.Sprintf("unknown query kind %q", query.Kind), nil).
				WithQueryID(query.ID)
		}
		return &query, false, nil

	default:
		return nil, false, lberrors.NewProtocolError(fmt.Sprintf("unexpected message type 0x%02x", code), nil)
	}
}

func encodeQuery(q *domain.Query) ([]byte, error) {
	return msgpack.Marshal(q)
}

func encodeClose() ([]byte, error) {
	return msgpack.Marshal(CloseSentinel)
}

func encodeResult(res domain.Result) ([]byte, error) {
	return msgpack.Marshal(&res)
}

func decodeResult(body []byte) (domain.Result, error) {
	var res domain.Result
	if err := msgpack.Unmarshal(body, &res); err != nil {
		return res, lberrors.NewProtocolError("malformed result", err)
	}
	return res, nil
}
