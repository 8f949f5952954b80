package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrBadLengthPrefix = errors.New("bad length prefix")
	ErrShortDatagram   = errors.New("datagram shorter than sequence header")
)

const maxPrefixedLength = 9999999999999999

// LengthPrefix renders n as a 16 byte, left zero padded ASCII decimal.
func LengthPrefix(n int) ([]byte, error) {
	if n < 0 || n > maxPrefixedLength {
		return nil, fmt.Errorf("%w: %d does not fit in %d digits", ErrBadLengthPrefix, n, MaxLengthDigits)
	}
	return []byte(fmt.Sprintf("%0*d", LengthPrefixSize, n)), nil
}

// ParseLengthPrefix parses a 16 byte length prefix. Only ASCII digits are
// accepted.
func ParseLengthPrefix(b []byte) (int, error) {
	if len(b) != LengthPrefixSize {
		return 0, fmt.Errorf("%w: got %d bytes", ErrBadLengthPrefix, len(b))
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrBadLengthPrefix, b)
		}
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadLengthPrefix, err)
	}
	return int(n), nil
}

// Frame returns the length prefix followed by the payload.
func Frame(payload []byte) ([]byte, error) {
	prefix, err := LengthPrefix(len(payload))
	if err != nil {
		return nil, err
	}
	return append(prefix, payload...), nil
}

// ControlToken reports whether b is exactly one of the control tokens.
func ControlToken(b []byte) (string, bool) {
	switch string(b) {
	case TokenRefresh:
		return TokenRefresh, true
	case TokenConfirm:
		return TokenConfirm, true
	default:
		return "", false
	}
}

// WithSequence prepends a big endian sequence number to b.
func WithSequence(seq uint32, b []byte) []byte {
	out := make([]byte, SequenceSize+len(b))
	binary.BigEndian.PutUint32(out, seq)
	copy(out[SequenceSize:], b)
	return out
}

// SplitSequence is the inverse of WithSequence.
func SplitSequence(b []byte) (uint32, []byte, error) {
	if len(b) < SequenceSize {
		return 0, nil, ErrShortDatagram
	}
	return binary.BigEndian.Uint32(b[:SequenceSize]), b[SequenceSize:], nil
}
