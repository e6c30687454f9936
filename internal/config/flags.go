package config

import (
	"github.com/urfave/cli/v2"
)

var (
	ConfigFileFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		EnvVars: []string{"ZEPHYR_CONFIG"},
	}
	ListenAddrFlag = &cli.StringFlag{
		Name:    "listen",
		Usage:   "HTTP listen address",
		Value:   Defaults.ListenAddr,
		EnvVars: []string{"ZEPHYR_LISTEN"},
	}
	BackendFlag = &cli.StringFlag{
		Name:    "backend",
		Usage:   `Storage backend ("memory", "leveldb", "etcd")`,
		Value:   Defaults.Backend,
		EnvVars: []string{"ZEPHYR_BACKEND"},
	}
	DataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "LevelDB data directory",
		Value:   Defaults.DataDir,
		EnvVars: []string{"ZEPHYR_DATADIR"},
	}
	IndexDirFlag = &cli.StringFlag{
		Name:    "indexdir",
		Usage:   "Separate LevelDB directory for the expiry index",
		EnvVars: []string{"ZEPHYR_INDEXDIR"},
	}
	EtcdEndpointsFlag = &cli.StringSliceFlag{
		Name:    "etcd.endpoints",
		Usage:   "etcd endpoints",
		Value:   cli.NewStringSlice(Defaults.EtcdEndpoints...),
		EnvVars: []string{"ZEPHYR_ETCD_ENDPOINTS"},
	}
	EtcdPrefixFlag = &cli.StringFlag{
		Name:    "etcd.prefix",
		Usage:   "etcd key prefix for data",
		Value:   Defaults.EtcdPrefix,
		EnvVars: []string{"ZEPHYR_ETCD_PREFIX"},
	}
	EtcdIndexPrefixFlag = &cli.StringFlag{
		Name:    "etcd.indexprefix",
		Usage:   "Separate etcd key prefix for the expiry index",
		EnvVars: []string{"ZEPHYR_ETCD_INDEX_PREFIX"},
	}
	EtcdMaxTxnOpsFlag = &cli.IntFlag{
		Name:    "etcd.maxtxnops",
		Usage:   "Largest transaction sent to etcd; match the cluster's --max-txn-ops",
		Value:   Defaults.EtcdMaxTxnOps,
		EnvVars: []string{"ZEPHYR_ETCD_MAX_TXN_OPS"},
	}
	NamespaceFlag = &cli.StringFlag{
		Name:    "ttl.namespace",
		Usage:   `Namespace of index keys (default "ttl", or none with a separate index store)`,
		EnvVars: []string{"ZEPHYR_TTL_NAMESPACE"},
	}
	ExpiryNamespaceFlag = &cli.StringFlag{
		Name:    "ttl.expirynamespace",
		Usage:   "Sub-namespace of temporal index entries",
		Value:   Defaults.ExpiryNamespace,
		EnvVars: []string{"ZEPHYR_TTL_EXPIRY_NAMESPACE"},
	}
	SeparatorFlag = &cli.StringFlag{
		Name:    "ttl.separator",
		Usage:   "Join index key parts with this byte instead of the typed encoding",
		EnvVars: []string{"ZEPHYR_TTL_SEPARATOR"},
	}
	CheckFrequencyFlag = &cli.DurationFlag{
		Name:    "ttl.checkfrequency",
		Usage:   "Interval between expiry sweeps",
		Value:   Defaults.CheckFrequency.Duration,
		EnvVars: []string{"ZEPHYR_TTL_CHECK_FREQUENCY"},
	}
	DefaultTTLFlag = &cli.DurationFlag{
		Name:    "ttl.default",
		Usage:   "TTL applied to writes that carry none (0 disables)",
		EnvVars: []string{"ZEPHYR_TTL_DEFAULT"},
	}
	SweepLimitFlag = &cli.IntFlag{
		Name:    "ttl.sweeplimit",
		Usage:   "Maximum entries expired per sweep (0 is unbounded)",
		EnvVars: []string{"ZEPHYR_TTL_SWEEP_LIMIT"},
	}
	MethodPrefixFlag = &cli.StringFlag{
		Name:    "http.prefix",
		Usage:   "Prefix of all HTTP routes",
		EnvVars: []string{"ZEPHYR_HTTP_PREFIX"},
	}
	LogLevelFlag = &cli.StringFlag{
		Name:    "log.level",
		Usage:   "Log level (debug, info, warn, error)",
		Value:   Defaults.LogLevel,
		EnvVars: []string{"ZEPHYR_LOG_LEVEL"},
	}
	LogDevFlag = &cli.BoolFlag{
		Name:    "log.dev",
		Usage:   "Human-readable development logging",
		EnvVars: []string{"ZEPHYR_LOG_DEV"},
	}
)

// Flags are the flags understood by FromContext.
var Flags = []cli.Flag{
	ConfigFileFlag,
	ListenAddrFlag,
	BackendFlag,
	DataDirFlag,
	IndexDirFlag,
	EtcdEndpointsFlag,
	EtcdPrefixFlag,
	EtcdIndexPrefixFlag,
	EtcdMaxTxnOpsFlag,
	NamespaceFlag,
	ExpiryNamespaceFlag,
	SeparatorFlag,
	CheckFrequencyFlag,
	DefaultTTLFlag,
	SweepLimitFlag,
	MethodPrefixFlag,
	LogLevelFlag,
	LogDevFlag,
}

// FromContext builds the configuration: Defaults, then the file named by
// --config, then every flag set on the command line or through its
// environment variable. The result is validated.
func FromContext(ctx *cli.Context) (Config, error) {
	cfg := Defaults
	cfg.EtcdEndpoints = append([]string(nil), Defaults.EtcdEndpoints...)
	if file := ctx.String(ConfigFileFlag.Name); file != "" {
		var err error
		if cfg, err = Load(file); err != nil {
			return cfg, err
		}
	}

	setString := func(f *cli.StringFlag, dst *string) {
		if ctx.IsSet(f.Name) {
			*dst = ctx.String(f.Name)
		}
	}
	setString(ListenAddrFlag, &cfg.ListenAddr)
	setString(BackendFlag, &cfg.Backend)
	setString(DataDirFlag, &cfg.DataDir)
	setString(IndexDirFlag, &cfg.IndexDir)
	setString(EtcdPrefixFlag, &cfg.EtcdPrefix)
	setString(EtcdIndexPrefixFlag, &cfg.EtcdIndexPrefix)
	setString(NamespaceFlag, &cfg.Namespace)
	setString(ExpiryNamespaceFlag, &cfg.ExpiryNamespace)
	setString(SeparatorFlag, &cfg.Separator)
	setString(MethodPrefixFlag, &cfg.MethodPrefix)
	setString(LogLevelFlag, &cfg.LogLevel)

	if ctx.IsSet(EtcdEndpointsFlag.Name) {
		cfg.EtcdEndpoints = ctx.StringSlice(EtcdEndpointsFlag.Name)
	}
	if ctx.IsSet(CheckFrequencyFlag.Name) {
		cfg.CheckFrequency.Duration = ctx.Duration(CheckFrequencyFlag.Name)
	}
	if ctx.IsSet(DefaultTTLFlag.Name) {
		cfg.DefaultTTL.Duration = ctx.Duration(DefaultTTLFlag.Name)
	}
	if ctx.IsSet(EtcdMaxTxnOpsFlag.Name) {
		cfg.EtcdMaxTxnOps = ctx.Int(EtcdMaxTxnOpsFlag.Name)
	}
	if ctx.IsSet(SweepLimitFlag.Name) {
		cfg.SweepLimit = ctx.Int(SweepLimitFlag.Name)
	}
	if ctx.IsSet(LogDevFlag.Name) {
		cfg.LogDev = ctx.Bool(LogDevFlag.Name)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
