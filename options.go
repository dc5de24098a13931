package pykernel

import "time"

// Config holds the recognized configuration surface (spec §6). Construct
// via DefaultConfig and override fields, or apply Option functions with
// ResolveConfig — mirroring the teacher library's StartOptions/Option
// pattern. pykernel does not load Config from files, flags, or environment
// variables; that remains an external collaborator's responsibility
// (spec §1 non-goals).
type Config struct {
	// MaxFrameBytes rejects inbound frames larger than this. Default 10 MiB.
	MaxFrameBytes int

	// ExecuteTimeout bounds a single execution's wall clock. Default 30s.
	ExecuteTimeout time.Duration

	// ASTCacheMax bounds the compiled-program LRU cache. Default 100.
	ASTCacheMax int

	// BlockingModules extends the known blocking-I/O root list.
	BlockingModules []string

	// BlockingMethodsByModule extends the known blocking-method list,
	// keyed by the module the method is called on.
	BlockingMethodsByModule map[string][]string

	// WarnOnBlocking, if true, emits a warning note when the engine selects
	// the blocking-sync execution path.
	WarnOnBlocking bool

	// HeartbeatInterval sets the worker's heartbeat cadence. Default 5s.
	HeartbeatInterval time.Duration

	// StartupTimeout bounds Session.Start. Default 10s.
	StartupTimeout time.Duration

	// WorkerCommand is the argv used to spawn the worker subprocess.
	// Defaults to the pykernel-worker binary built from cmd/pykernel-worker.
	WorkerCommand []string

	// LogLevel selects the zap logger level ("debug", "info", "warn", "error").
	LogLevel string
}

// DefaultConfig returns a Config populated with spec §6's documented
// defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:     10 * 1024 * 1024,
		ExecuteTimeout:    30 * time.Second,
		ASTCacheMax:       100,
		BlockingModules:   []string{"requests", "urllib", "socket", "subprocess", "sqlite3"},
		WarnOnBlocking:    false,
		HeartbeatInterval: 5 * time.Second,
		StartupTimeout:    10 * time.Second,
		WorkerCommand:     []string{"pykernel-worker"},
		LogLevel:          "info",
	}
}

// Option configures a Config in place.
type Option func(*Config)

// ResolveConfig applies functional options atop DefaultConfig and returns
// the resolved configuration.
func ResolveConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMaxFrameBytes overrides the inbound frame size bound.
func WithMaxFrameBytes(n int) Option {
	return func(c *Config) { c.MaxFrameBytes = n }
}

// WithExecuteTimeout overrides the per-execution wall-clock bound.
func WithExecuteTimeout(d time.Duration) Option {
	return func(c *Config) { c.ExecuteTimeout = d }
}

// WithASTCacheMax overrides the compiled-program LRU cache bound.
func WithASTCacheMax(n int) Option {
	return func(c *Config) { c.ASTCacheMax = n }
}

// WithBlockingModules appends to the known blocking-I/O root list.
func WithBlockingModules(modules ...string) Option {
	return func(c *Config) { c.BlockingModules = append(c.BlockingModules, modules...) }
}

// WithBlockingMethods registers extra blocking method names for a module.
func WithBlockingMethods(module string, methods ...string) Option {
	return func(c *Config) {
		if c.BlockingMethodsByModule == nil {
			c.BlockingMethodsByModule = make(map[string][]string)
		}
		c.BlockingMethodsByModule[module] = append(c.BlockingMethodsByModule[module], methods...)
	}
}

// WithWarnOnBlocking toggles the blocking-sync-path warning.
func WithWarnOnBlocking(warn bool) Option {
	return func(c *Config) { c.WarnOnBlocking = warn }
}

// WithHeartbeatInterval overrides the worker heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithStartupTimeout overrides the Session.Start bound.
func WithStartupTimeout(d time.Duration) Option {
	return func(c *Config) { c.StartupTimeout = d }
}

// WithWorkerCommand overrides the argv used to spawn the worker subprocess.
func WithWorkerCommand(argv ...string) Option {
	return func(c *Config) { c.WorkerCommand = argv }
}

// WithLogLevel overrides the zap logger level.
func WithLogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}
