// Package keycodec builds composite index keys whose byte order matches the
// component-wise order of (namespace..., timestamp, key).
//
// Two codecs are provided. Tuple is typed and never lets a user key alias
// a namespace component; it is the default. Separated joins components with
// a single separator byte and renders timestamps as fixed-width hex, which
// keeps the encoded keys readable in store dumps.
package keycodec

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformed is returned when decoding bytes that no Encode call
	// produced.
	ErrMalformed = errors.New("keycodec: malformed encoding")

	// ErrInvalidPart is returned by Validate for a component the codec
	// cannot encode unambiguously.
	ErrInvalidPart = errors.New("keycodec: invalid component")
)

// Kind identifies the type of a component.
type Kind uint8

const (
	KindRaw Kind = iota + 1
	KindString
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Part is one component of a composite key.
type Part struct {
	Kind  Kind
	Bytes []byte // KindRaw and KindString
	Nanos int64  // KindTime, Unix nanoseconds
}

// Str is a namespace component.
func Str(s string) Part { return Part{Kind: KindString, Bytes: []byte(s)} }

// Raw is an arbitrary user key.
func Raw(b []byte) Part { return Part{Kind: KindRaw, Bytes: b} }

// Time is a timestamp component, ordered by its Unix nanoseconds.
func Time(t time.Time) Part { return Part{Kind: KindTime, Nanos: t.UnixNano()} }

// Nanos is a timestamp component given directly in Unix nanoseconds.
func Nanos(n int64) Part { return Part{Kind: KindTime, Nanos: n} }

// Strs converts namespace strings to parts.
func Strs(ss ...string) []Part {
	out := make([]Part, len(ss))
	for i, s := range ss {
		out[i] = Str(s)
	}
	return out
}

// Codec encodes component sequences into order-preserving byte strings.
// Encode must be injective, and for equal leading components the encoded
// order must follow the order of the next differing component.
type Codec interface {
	Encode(parts ...Part) []byte

	// DecodeKey inverts Encode(Raw(key)).
	DecodeKey(b []byte) ([]byte, error)

	// DecodeTime inverts Encode(Time(t)).
	DecodeTime(b []byte) (time.Time, error)

	// Validate reports whether p can be encoded unambiguously.
	Validate(p Part) error
}

// flip maps int64 onto uint64 so that unsigned byte order equals signed
// numeric order.
func flip(n int64) uint64 { return uint64(n) ^ (1 << 63) }

func unflip(u uint64) int64 { return int64(u ^ (1 << 63)) }
