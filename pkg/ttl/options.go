package ttl

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrttl/pkg/keycodec"
	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

const (
	DefaultNamespace       = "ttl"
	DefaultExpiryNamespace = "x"
	DefaultCheckFrequency  = 10 * time.Second
)

// config holds the settings of a DB.
type config struct {
	namespace       string
	namespaceSet    bool
	expiryNamespace string
	codec           keycodec.Codec
	separator       byte
	checkFrequency  time.Duration
	defaultTTL      time.Duration
	sub             kv.Store
	sweepLimit      int
	sweepTimeout    time.Duration
	clock           func() time.Time
	logger          *zap.Logger
	onError         func(error)
	onSweep         func(SweepResult)
	registerer      prometheus.Registerer
}

func defaultConfig() *config {
	return &config{
		expiryNamespace: DefaultExpiryNamespace,
		checkFrequency:  DefaultCheckFrequency,
		clock:           time.Now,
	}
}

// prefixNamespace is the namespace of prefix entries. It defaults to "ttl",
// or to nothing when the index lives in its own sub store.
func (c *config) prefixNamespace() string {
	if c.namespaceSet {
		return c.namespace
	}
	if c.sub != nil {
		return ""
	}
	return DefaultNamespace
}

// Option configures a DB.
type Option func(*config)

// WithNamespace sets the namespace that prefixes every index key.
// An empty namespace is allowed when the index has a sub store to itself.
func WithNamespace(ns string) Option {
	return func(c *config) {
		c.namespace = ns
		c.namespaceSet = true
	}
}

// WithExpiryNamespace sets the sub-namespace holding temporal entries.
// Default is "x".
func WithExpiryNamespace(ns string) Option {
	return func(c *config) {
		c.expiryNamespace = ns
	}
}

// WithCodec sets the index key codec. Default is keycodec.Tuple().
func WithCodec(codec keycodec.Codec) Option {
	return func(c *config) {
		c.codec = codec
	}
}

// WithSeparator selects the separator-joined codec with sep.
// Ignored when WithCodec is also given.
//
// Its index keys are plain text, so when the index shares the data store a
// user key that spells out a temporal entry, such as "ttl!x!<16 hex
// digits>!foo" with sep '!', lies in the swept range and is deleted once
// that timestamp passes. Use WithSubStore, or keep such keys out of the
// namespace, when user keys are not under your control.
func WithSeparator(sep byte) Option {
	return func(c *config) {
		c.separator = sep
	}
}

// WithCheckFrequency sets the sweep interval. Default is 10s.
func WithCheckFrequency(d time.Duration) Option {
	return func(c *config) {
		c.checkFrequency = d
	}
}

// WithDefaultTTL sets the TTL applied to writes that specify none.
// Default is 0 (no expiry).
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) {
		c.defaultTTL = d
	}
}

// WithSubStore keeps index entries in s instead of the data store.
// The DB does not close s.
func WithSubStore(s kv.Store) Option {
	return func(c *config) {
		c.sub = s
	}
}

// WithSweepLimit caps how many expired entries one sweep collects.
// Whatever is left is picked up by the next sweep. Default is 0 (no cap).
func WithSweepLimit(n int) Option {
	return func(c *config) {
		c.sweepLimit = n
	}
}

// WithSweepTimeout bounds each scheduled sweep. Default is 0 (no bound),
// in which case a hung store blocks Stop until it returns.
func WithSweepTimeout(d time.Duration) Option {
	return func(c *config) {
		c.sweepTimeout = d
	}
}

// WithClock replaces time.Now, e.g. with a simulated clock in tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.clock = now
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithErrorHandler receives errors that have no caller to return to, such
// as sweep failures. Default logs them.
func WithErrorHandler(fn func(error)) Option {
	return func(c *config) {
		c.onError = fn
	}
}

// WithSweepHook is called after every sweep cycle, including empty ones,
// before the cycle counts as finished. fn must not call Stop or Close.
func WithSweepHook(fn func(SweepResult)) Option {
	return func(c *config) {
		c.onSweep = fn
	}
}

// WithRegisterer registers the sweep metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.registerer = reg
	}
}

// WriteOption configures a single Put or Write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	ttl    time.Duration
	ttlSet bool
}

// WithTTL sets the TTL of a write. WithTTL(0) writes without expiry even
// when a default TTL is configured.
func WithTTL(d time.Duration) WriteOption {
	return func(o *writeOptions) {
		o.ttl = d
		o.ttlSet = true
	}
}
