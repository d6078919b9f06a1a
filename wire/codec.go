package wire

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Terminator is the line closing every frame.
const Terminator = "."

var (
	// ErrMalformedFrame is returned when bytes can't be decoded into a frame.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownVerb is returned when the first line of a frame is not a recognized verb.
	// Framing is still intact when it is returned by Reader.
	ErrUnknownVerb = errors.WithMessage(ErrMalformedFrame, "unknown verb")

	// ErrInvalidArgument is returned when an argument can't be represented on the wire.
	ErrInvalidArgument = errors.New("invalid argument")
)

var datagramTerminator = []byte("\n" + Terminator + "\n")

// Encode encodes message into its wire form.
func Encode(m *Message) ([]byte, error) {
	if !m.Kind.Known() {
		return nil, errors.Wrapf(ErrUnknownVerb, "verb %q", m.Kind)
	}

	size := len(m.Kind) + len(Terminator) + 2
	for i, arg := range m.Args {
		if arg == Terminator || strings.ContainsAny(arg, "\r\n") {
			return nil, errors.Wrapf(ErrInvalidArgument, "argument %d of %s", i, m.Kind)
		}
		size += len(arg) + 1
	}

	buf := make([]byte, 0, size)
	buf = append(buf, m.Kind...)
	buf = append(buf, '\n')
	for _, arg := range m.Args {
		buf = append(buf, arg...)
		buf = append(buf, '\n')
	}
	buf = append(buf, Terminator...)
	buf = append(buf, '\n')
	return buf, nil
}

// Write encodes message and writes it to w.
func Write(w io.Writer, m *Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return errors.WithStack(err)
}

// EncodeDatagram encodes message for the datagram transport. Encodings longer than maxSize
// are cut to maxSize-1 bytes, which may destroy the terminator. The second return value
// reports the truncation.
func EncodeDatagram(m *Message, maxSize int) ([]byte, bool, error) {
	b, err := Encode(m)
	if err != nil {
		return nil, false, err
	}
	if maxSize > 0 && len(b) > maxSize {
		return b[:maxSize-1], true, nil
	}
	return b, false, nil
}

// DecodeDatagram decodes message from one datagram. Bytes following the first terminator
// are ignored.
func DecodeDatagram(b []byte) (*Message, error) {
	idx := bytes.Index(b, datagramTerminator)
	if idx < 0 {
		return nil, errors.Wrap(ErrMalformedFrame, "missing terminator")
	}
	return parse(strings.Split(string(b[:idx]), "\n"))
}

// Reader decodes frames from a stream.
type Reader struct {
	r            *bufio.Reader
	maxFrameSize int
}

// NewReader creates frame reader. Frames larger than maxFrameSize bytes are rejected,
// zero means unlimited.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	return &Reader{
		r:            bufio.NewReader(r),
		maxFrameSize: maxFrameSize,
	}
}

// Read reads lines up to the terminator and decodes them. io.EOF is returned if stream
// ends cleanly between frames.
func (r *Reader) Read() (*Message, error) {
	var lines []string
	var size int
	for {
		line, err := r.readLine(&size)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(lines) == 0 && line == "" {
					return nil, errors.WithStack(io.EOF)
				}
				return nil, errors.Wrap(ErrMalformedFrame, "stream ended inside frame")
			}
			return nil, err
		}

		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		if line == Terminator {
			break
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		return nil, errors.Wrap(ErrUnknownVerb, "empty frame")
	}
	return parse(lines)
}

// readLine reads one line including the newline. Size is checked on every buffered chunk,
// so a line without newline never grows beyond the frame limit.
func (r *Reader) readLine(size *int) (string, error) {
	var line []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		*size += len(chunk)
		if r.maxFrameSize > 0 && *size > r.maxFrameSize {
			return "", errors.Wrapf(ErrMalformedFrame, "frame exceeds %d bytes", r.maxFrameSize)
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return string(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			return string(line), err
		default:
			return "", errors.WithStack(err)
		}
	}
}

func parse(lines []string) (*Message, error) {
	kind := Kind(lines[0])
	if !kind.Known() {
		return nil, errors.Wrapf(ErrUnknownVerb, "verb %q", lines[0])
	}
	return New(kind, lines[1:]...), nil
}
