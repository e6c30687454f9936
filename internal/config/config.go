// Package config holds the server configuration. Values come from the
// defaults, then an optional TOML file, then command-line flags and their
// environment variables.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"

	"github.com/ryandielhenn/zephyrttl/pkg/keycodec"
	"github.com/ryandielhenn/zephyrttl/pkg/kv/etcdkv"
	"github.com/ryandielhenn/zephyrttl/pkg/ttl"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendEtcd    = "etcd"
)

// Duration is a time.Duration written as a string ("10s", "1h30m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the server configuration.
type Config struct {
	ListenAddr string

	Backend         string // memory, leveldb or etcd
	DataDir         string `toml:",omitempty"` // leveldb data
	IndexDir        string `toml:",omitempty"` // leveldb expiry index; empty shares DataDir
	EtcdEndpoints   []string
	EtcdPrefix      string
	EtcdIndexPrefix string `toml:",omitempty"` // empty shares EtcdPrefix
	EtcdMaxTxnOps   int    // the cluster's --max-txn-ops

	Namespace       string `toml:",omitempty"` // empty uses the ttl package default
	ExpiryNamespace string
	Separator       string `toml:",omitempty"` // one byte; empty selects the tuple codec
	CheckFrequency  Duration
	DefaultTTL      Duration
	SweepLimit      int

	MethodPrefix string `toml:",omitempty"` // prefix of all HTTP routes, e.g. "/ttl"

	LogLevel string
	LogDev   bool
}

// Defaults are the settings used when nothing overrides them.
var Defaults = Config{
	ListenAddr:      ":8080",
	Backend:         BackendMemory,
	DataDir:         "data",
	EtcdEndpoints:   []string{"http://etcd:2379"},
	EtcdPrefix:      "/zephyr/data/",
	EtcdMaxTxnOps:   etcdkv.DefaultMaxTxnOps,
	ExpiryNamespace: ttl.DefaultExpiryNamespace,
	CheckFrequency:  Duration{ttl.DefaultCheckFrequency},
	LogLevel:        "info",
}

// These settings are used for the TOML parser. Keys match field names
// exactly, and unknown keys are errors.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Load reads file on top of Defaults.
func Load(file string) (Config, error) {
	cfg := Defaults
	cfg.EtcdEndpoints = append([]string(nil), Defaults.EtcdEndpoints...)

	f, err := os.Open(file)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return cfg, err
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: empty listen address")
	}
	switch c.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if c.DataDir == "" {
			return errors.New("config: leveldb backend needs a data dir")
		}
		if c.IndexDir != "" && c.IndexDir == c.DataDir {
			return errors.New("config: index dir must differ from data dir")
		}
	case BackendEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return errors.New("config: etcd backend needs at least one endpoint")
		}
		if c.EtcdIndexPrefix != "" && c.EtcdIndexPrefix == c.EtcdPrefix {
			return errors.New("config: etcd index prefix must differ from the data prefix")
		}
		// expiring one key deletes a temporal entry, a prefix entry and the data
		if c.EtcdMaxTxnOps < 3 {
			return fmt.Errorf("config: etcd max txn ops must be at least 3, got %d", c.EtcdMaxTxnOps)
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.CheckFrequency.Duration <= 0 {
		return fmt.Errorf("config: check frequency must be positive, got %s", c.CheckFrequency)
	}
	if c.DefaultTTL.Duration < 0 {
		return fmt.Errorf("config: negative default ttl %s", c.DefaultTTL)
	}
	if c.SweepLimit < 0 {
		return fmt.Errorf("config: negative sweep limit %d", c.SweepLimit)
	}
	if c.ExpiryNamespace == "" {
		return errors.New("config: empty expiry namespace")
	}
	if len(c.Separator) > 1 {
		return fmt.Errorf("config: separator %q must be a single byte", c.Separator)
	}
	if c.Separator != "" {
		codec, err := keycodec.Separated(c.Separator[0])
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		for _, ns := range []string{c.Namespace, c.ExpiryNamespace} {
			if err := codec.Validate(keycodec.Str(ns)); err != nil {
				return fmt.Errorf("config: %w", err)
			}
		}
	}
	if c.MethodPrefix != "" && c.MethodPrefix[0] != '/' {
		return fmt.Errorf("config: method prefix %q must start with /", c.MethodPrefix)
	}
	return nil
}

// HasSubStore reports whether the expiry index gets a store of its own.
func (c *Config) HasSubStore() bool {
	switch c.Backend {
	case BackendLevelDB:
		return c.IndexDir != ""
	case BackendEtcd:
		return c.EtcdIndexPrefix != ""
	}
	return false
}

// TTLOptions converts the settings to ttl options. The sub store, logger
// and registerer are wired by the caller.
func (c *Config) TTLOptions() []ttl.Option {
	opts := []ttl.Option{
		ttl.WithExpiryNamespace(c.ExpiryNamespace),
		ttl.WithCheckFrequency(c.CheckFrequency.Duration),
		ttl.WithDefaultTTL(c.DefaultTTL.Duration),
		ttl.WithSweepLimit(c.SweepLimit),
	}
	if c.Namespace != "" {
		opts = append(opts, ttl.WithNamespace(c.Namespace))
	}
	if c.Separator != "" {
		opts = append(opts, ttl.WithSeparator(c.Separator[0]))
	}
	return opts
}
