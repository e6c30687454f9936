package keycodec

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Type tags. Within one position, components sort by tag first, so a raw
// key can never compare equal to a namespace string.
const (
	tagRaw    byte = 0x01
	tagString byte = 0x02
	tagTime   byte = 0x05

	escape byte = 0x00
	escFF  byte = 0xff
)

type tuple struct{}

// Tuple returns the typed codec. Raw and string components are written as
// tag, body with every 0x00 escaped to 0x00 0xff, then a 0x00 terminator;
// timestamps as tag plus 8 big-endian bytes of the sign-flipped nanoseconds.
func Tuple() Codec { return tuple{} }

func (tuple) Encode(parts ...Part) []byte {
	n := 0
	for _, p := range parts {
		n += 2 + len(p.Bytes)
		if p.Kind == KindTime {
			n += 8
		}
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		switch p.Kind {
		case KindRaw, KindString:
			tag := tagRaw
			if p.Kind == KindString {
				tag = tagString
			}
			out = append(out, tag)
			for _, c := range p.Bytes {
				out = append(out, c)
				if c == escape {
					out = append(out, escFF)
				}
			}
			out = append(out, escape)
		case KindTime:
			out = append(out, tagTime)
			out = binary.BigEndian.AppendUint64(out, flip(p.Nanos))
		default:
			panic(fmt.Sprintf("keycodec: cannot encode %s", p.Kind))
		}
	}
	return out
}

func (c tuple) DecodeKey(b []byte) ([]byte, error) {
	if len(b) < 2 || b[0] != tagRaw {
		return nil, fmt.Errorf("%w: not a raw component", ErrMalformed)
	}
	body, rest, err := unescape(b[1:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return body, nil
}

func (tuple) DecodeTime(b []byte) (time.Time, error) {
	if len(b) != 9 || b[0] != tagTime {
		return time.Time{}, fmt.Errorf("%w: not a time component", ErrMalformed)
	}
	return time.Unix(0, unflip(binary.BigEndian.Uint64(b[1:]))), nil
}

func (tuple) Validate(p Part) error {
	switch p.Kind {
	case KindRaw, KindString, KindTime:
		return nil
	default:
		return fmt.Errorf("%w: kind %s", ErrInvalidPart, p.Kind)
	}
}

// unescape reads an escaped body up to its terminator.
func unescape(b []byte) (body, rest []byte, err error) {
	body = make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != escape {
			body = append(body, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == escFF {
			body = append(body, escape)
			i++
			continue
		}
		return body, b[i+1:], nil
	}
	return nil, nil, fmt.Errorf("%w: unterminated component", ErrMalformed)
}
