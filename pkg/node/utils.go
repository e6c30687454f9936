package node

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"
)

// normalizeHostPort cuts the http:// https:// prefixes from the input address
// adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// ParseTTL reads a TTL given either as whole seconds ("30") or as a Go
// duration ("1m30s", "250ms").
func ParseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty ttl")
	}
	var d time.Duration
	if sec, err := strconv.Atoi(s); err == nil {
		d = time.Duration(sec) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("negative ttl")
	}
	return d, nil
}
