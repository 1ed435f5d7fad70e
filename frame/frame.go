// Package frame implements the text-safe message framing used to move opaque
// values across the worker process boundary.
//
// A message is the sentinel byte '$' followed by zero or more frames:
//
//	<decimal-length>\r\n<base64(msgpack(value))>\r\n
//
// The declared length counts the base64 bytes. An empty list encodes as "$\r\n".
// The empty string is stored as a zero-length frame and never reaches msgpack.
// Base64 payloads never contain CR or LF, so a message survives being passed as
// a single command-line argument or written to a file.
package frame

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// StartChar opens every message.
	StartChar = '$'
	// CRLF terminates length headers, frame payloads and the message.
	CRLF = "\r\n"
	// All as a count reads every frame after the offset.
	All = -1
)

// ErrorKind classifies decoding errors.
type ErrorKind int

const (
	// MissingStartChar indicates the message does not begin with '$'.
	MissingStartChar ErrorKind = iota
	// MissingEndingCRLF indicates the message or a header is not CRLF terminated.
	MissingEndingCRLF
	// NonNumericLength indicates a length header with a non-digit byte.
	NonNumericLength
	// MismatchingLength indicates declared and actual payload lengths disagree.
	MismatchingLength
	// IncorrectEncoding indicates a payload that does not (de)serialize.
	IncorrectEncoding
)

func (k ErrorKind) String() string {
	switch k {
	case MissingStartChar:
		return "missing_start_char"
	case MissingEndingCRLF:
		return "missing_ending_crlf"
	case NonNumericLength:
		return "non_numeric_length"
	case MismatchingLength:
		return "mismatching_length"
	case IncorrectEncoding:
		return "incorrect_encoding"
	default:
		return fmt.Sprintf("frame_error(%d)", int(k))
	}
}

// Error is a frame encoding or decoding error.
// Index is the frame position, or -1 when the error concerns the whole message.
type Error struct {
	Kind  ErrorKind
	Index int
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Index >= 0 {
		prefix = fmt.Sprintf("%s at frame %d", prefix, e.Index)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a frame error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Frame is one undecoded frame of a message.
type Frame struct {
	// Index is the position of the frame in the message.
	Index int
	// Data is the base64 payload as it appears on the wire.
	Data string
}

// Empty reports whether the frame holds the empty string.
func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// Decode deserializes the frame into v.
// A zero-length frame sets *string targets to "" and leaves others untouched.
func (f Frame) Decode(v any) error {
	if f.Empty() {
		if s, ok := v.(*string); ok {
			*s = ""
		}
		return nil
	}
	raw, err := f.raw()
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return &Error{Kind: IncorrectEncoding, Index: f.Index, Msg: "invalid msgpack payload", Err: err}
	}
	return nil
}

// Value deserializes the frame into a generic value. Integers come back as
// int64, or uint64 when msgpack stored them unsigned, regardless of the width
// they were encoded with.
func (f Frame) Value() (any, error) {
	if f.Empty() {
		return "", nil
	}
	raw, err := f.raw()
	if err != nil {
		return nil, err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, &Error{Kind: IncorrectEncoding, Index: f.Index, Msg: "invalid msgpack payload", Err: err}
	}
	return v, nil
}

func (f Frame) raw() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, &Error{Kind: IncorrectEncoding, Index: f.Index, Msg: "invalid base64 payload", Err: err}
	}
	return raw, nil
}

// Encode serializes values into a single message.
func Encode(values ...any) (string, error) {
	var b strings.Builder
	b.WriteByte(StartChar)
	for i, v := range values {
		data, err := encodeValue(v)
		if err != nil {
			return "", &Error{Kind: IncorrectEncoding, Index: i, Msg: "failed to serialize value", Err: err}
		}
		b.WriteString(strconv.Itoa(len(data)))
		b.WriteString(CRLF)
		b.WriteString(data)
		b.WriteString(CRLF)
	}
	if len(values) == 0 {
		b.WriteString(CRLF)
	}
	return b.String(), nil
}

func encodeValue(v any) (string, error) {
	if s, ok := v.(string); ok && s == "" {
		return "", nil
	}
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Split walks the message structure and returns frames [offset, offset+count)
// without deserializing any payload. Frames before the offset are validated
// structurally only; frames after the window are not inspected.
func Split(msg string, offset, count int) ([]Frame, error) {
	if len(msg) == 0 || msg[0] != StartChar {
		return nil, &Error{Kind: MissingStartChar, Index: -1, Msg: "message does not start with '$'"}
	}
	if !strings.HasSuffix(msg, CRLF) {
		return nil, &Error{Kind: MissingEndingCRLF, Index: -1, Msg: "message does not end with CRLF"}
	}
	if offset < 0 {
		offset = 0
	}

	body := msg[1:]
	if body == CRLF {
		return nil, nil
	}

	var frames []Frame
	pos := 0
	for index := 0; pos < len(body); index++ {
		if count >= 0 && len(frames) >= count {
			break
		}

		headerEnd := strings.Index(body[pos:], CRLF)
		if headerEnd < 0 {
			return nil, &Error{Kind: MissingEndingCRLF, Index: index, Msg: "length header is not CRLF terminated"}
		}
		header := body[pos : pos+headerEnd]
		length, err := parseLength(header)
		if errors.Is(err, strconv.ErrRange) {
			return nil, &Error{Kind: MismatchingLength, Index: index, Msg: fmt.Sprintf("declared length %s exceeds message", header)}
		}
		if err != nil {
			return nil, &Error{Kind: NonNumericLength, Index: index, Msg: fmt.Sprintf("invalid length %q", header)}
		}

		start := pos + headerEnd + len(CRLF)
		// Compare before adding so a huge declared length cannot overflow.
		if length > len(body)-start-len(CRLF) {
			return nil, &Error{
				Kind:  MismatchingLength,
				Index: index,
				Msg:   fmt.Sprintf("declared length %d exceeds message", length),
			}
		}
		end := start + length
		if body[end:end+len(CRLF)] != CRLF {
			return nil, &Error{
				Kind:  MismatchingLength,
				Index: index,
				Msg:   fmt.Sprintf("declared length %d does not match payload", length),
			}
		}

		if index >= offset {
			frames = append(frames, Frame{Index: index, Data: body[start:end]})
		}
		pos = end + len(CRLF)
	}

	return frames, nil
}

// parseLength accepts only ASCII digits; signs and spaces are rejected.
func parseLength(header string) (int, error) {
	if header == "" {
		return 0, errors.New("empty length")
	}
	for i := 0; i < len(header); i++ {
		if header[i] < '0' || header[i] > '9' {
			return 0, fmt.Errorf("non-digit %q", header[i])
		}
	}
	return strconv.Atoi(header)
}

// Decode returns the generic values of frames [offset, offset+count).
// Pass All as count to read to the end of the message.
func Decode(msg string, offset, count int) ([]any, error) {
	frames, err := Split(msg, offset, count)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(frames))
	for _, f := range frames {
		v, err := f.Value()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// DecodeInto decodes frames [offset, offset+len(dst)) into the dst pointers.
// It fails with MismatchingLength if the message holds fewer frames.
func DecodeInto(msg string, offset int, dst ...any) error {
	frames, err := Split(msg, offset, len(dst))
	if err != nil {
		return err
	}
	if len(frames) < len(dst) {
		return &Error{
			Kind:  MismatchingLength,
			Index: -1,
			Msg:   fmt.Sprintf("expected %d frames at offset %d, found %d", len(dst), offset, len(frames)),
		}
	}
	for i, f := range frames {
		if err := f.Decode(dst[i]); err != nil {
			return err
		}
	}
	return nil
}
