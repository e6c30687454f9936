package keycodec

import (
	"fmt"
	"strconv"
	"time"
)

const (
	sepEscape    byte = 0x01
	sepEscEscape byte = 0x01
	sepEscSep    byte = 0x02
)

type separated struct {
	sep byte
}

// Separated returns a codec joining components with sep. Timestamps are 16
// lowercase hex digits; inside keys, sep and 0x01 are escaped so a key never
// contributes a separator. Namespace strings may not contain either byte.
// sep may not be 0x00, 0x01 or a lowercase hex digit, since those would
// break either escaping or timestamp ordering.
func Separated(sep byte) (Codec, error) {
	switch {
	case sep == 0x00, sep == sepEscape:
		return nil, fmt.Errorf("%w: separator %#x is reserved", ErrInvalidPart, sep)
	case sep >= '0' && sep <= '9', sep >= 'a' && sep <= 'f':
		return nil, fmt.Errorf("%w: separator %q collides with timestamp digits", ErrInvalidPart, sep)
	}
	return separated{sep: sep}, nil
}

func (c separated) Encode(parts ...Part) []byte {
	var out []byte
	for i, p := range parts {
		if i > 0 {
			out = append(out, c.sep)
		}
		switch p.Kind {
		case KindString:
			out = append(out, p.Bytes...)
		case KindRaw:
			for _, b := range p.Bytes {
				switch b {
				case sepEscape:
					out = append(out, sepEscape, sepEscEscape)
				case c.sep:
					out = append(out, sepEscape, sepEscSep)
				default:
					out = append(out, b)
				}
			}
		case KindTime:
			out = fmt.Appendf(out, "%016x", flip(p.Nanos))
		default:
			panic(fmt.Sprintf("keycodec: cannot encode %s", p.Kind))
		}
	}
	return out
}

func (c separated) DecodeKey(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case c.sep:
			return nil, fmt.Errorf("%w: bare separator at %d", ErrMalformed, i)
		case sepEscape:
			if i+1 >= len(b) {
				return nil, fmt.Errorf("%w: dangling escape", ErrMalformed)
			}
			i++
			switch b[i] {
			case sepEscEscape:
				out = append(out, sepEscape)
			case sepEscSep:
				out = append(out, c.sep)
			default:
				return nil, fmt.Errorf("%w: bad escape %#x", ErrMalformed, b[i])
			}
		default:
			out = append(out, b[i])
		}
	}
	return out, nil
}

func (separated) DecodeTime(b []byte) (time.Time, error) {
	if len(b) != 16 {
		return time.Time{}, fmt.Errorf("%w: timestamp length %d", ErrMalformed, len(b))
	}
	u, err := strconv.ParseUint(string(b), 16, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return time.Unix(0, unflip(u)), nil
}

func (c separated) Validate(p Part) error {
	switch p.Kind {
	case KindRaw, KindTime:
		return nil
	case KindString:
		for _, b := range p.Bytes {
			if b == c.sep || b == sepEscape {
				return fmt.Errorf("%w: namespace %q contains %#x", ErrInvalidPart, p.Bytes, b)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %s", ErrInvalidPart, p.Kind)
	}
}
