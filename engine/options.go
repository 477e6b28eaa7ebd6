package engine

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Options configures the runtime. Zero values are replaced by defaults in
// Normalize, so a zero Options is valid.
type Options struct {
	// MaxInFlight caps how many nodes of one execution run concurrently.
	MaxInFlight int

	// NodeTimeout bounds a single handler attempt. Every retry attempt
	// gets the full budget again.
	NodeTimeout time.Duration

	// MaxAttempts is the total number of dispatches per node, including
	// the first. 1 disables retries.
	MaxAttempts int

	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration

	// BreakerThreshold is the consecutive-failure count that opens a
	// circuit.
	BreakerThreshold int

	// BreakerCooldown is how long an open circuit waits before allowing a
	// half-open probe.
	BreakerCooldown time.Duration

	// SandboxTimeout bounds the evaluation of one custom block.
	SandboxTimeout time.Duration

	// QueuePrefetch caps how many executions one worker holds unacked.
	QueuePrefetch int

	// WorkerConcurrency is the number of queue consumers per process.
	WorkerConcurrency int

	// DatabaseURL selects the persistence backend by scheme
	// (postgres://, mysql://, sqlite://). Empty runs in memory.
	DatabaseURL string

	// RedisURL selects the Redis queue. Empty runs the in-process queue.
	RedisURL string

	// HTTPAddr is the listen address of the API server.
	HTTPAddr string

	// LogLevel sets the process log level: debug, info, warn, error.
	LogLevel string
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxInFlight:       8,
		NodeTimeout:       30 * time.Second,
		MaxAttempts:       3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
		BreakerThreshold:  5,
		BreakerCooldown:   60 * time.Second,
		SandboxTimeout:    30 * time.Second,
		QueuePrefetch:     1,
		WorkerConcurrency: 2,
		HTTPAddr:          ":8080",
		LogLevel:          "info",
	}
}

// Normalize fills unset fields with their defaults.
func (o Options) Normalize() Options {
	def := DefaultOptions()
	if o.MaxInFlight < 1 {
		o.MaxInFlight = def.MaxInFlight
	}
	if o.NodeTimeout <= 0 {
		o.NodeTimeout = def.NodeTimeout
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = def.RetryBaseDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = def.RetryMaxDelay
	}
	if o.BreakerThreshold < 1 {
		o.BreakerThreshold = def.BreakerThreshold
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = def.BreakerCooldown
	}
	if o.SandboxTimeout <= 0 {
		o.SandboxTimeout = def.SandboxTimeout
	}
	if o.QueuePrefetch < 1 {
		o.QueuePrefetch = def.QueuePrefetch
	}
	if o.WorkerConcurrency < 1 {
		o.WorkerConcurrency = def.WorkerConcurrency
	}
	if o.HTTPAddr == "" {
		o.HTTPAddr = def.HTTPAddr
	}
	if o.LogLevel == "" {
		o.LogLevel = def.LogLevel
	}
	return o
}

// Option is a functional option for building Options programmatically.
//
// Example:
//
//	opts, err := engine.BuildOptions(
//	    engine.WithMaxInFlight(16),
//	    engine.WithNodeTimeout(10*time.Second),
//	)
type Option func(*Options) error

// BuildOptions applies options on top of the defaults.
func BuildOptions(opts ...Option) (Options, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return Options{}, err
		}
	}
	return o.Normalize(), nil
}

// WithMaxInFlight sets the per-execution concurrency cap.
func WithMaxInFlight(n int) Option {
	return func(o *Options) error {
		if n < 1 {
			return fmt.Errorf("maxInFlight must be >= 1, got %d", n)
		}
		o.MaxInFlight = n
		return nil
	}
}

// WithNodeTimeout sets the per-attempt handler timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("node timeout must be positive, got %v", d)
		}
		o.NodeTimeout = d
		return nil
	}
}

// WithMaxAttempts sets the dispatch budget per node, including the first
// attempt.
func WithMaxAttempts(n int) Option {
	return func(o *Options) error {
		if n < 1 {
			return fmt.Errorf("maxAttempts must be >= 1, got %d", n)
		}
		o.MaxAttempts = n
		return nil
	}
}

// WithRetryDelays sets the backoff base and cap.
func WithRetryDelays(base, max time.Duration) Option {
	return func(o *Options) error {
		if base <= 0 || max < base {
			return fmt.Errorf("invalid retry delays base=%v max=%v", base, max)
		}
		o.RetryBaseDelay = base
		o.RetryMaxDelay = max
		return nil
	}
}

// WithBreaker sets the circuit breaker threshold and cooldown.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(o *Options) error {
		if threshold < 1 || cooldown <= 0 {
			return fmt.Errorf("invalid breaker settings threshold=%d cooldown=%v", threshold, cooldown)
		}
		o.BreakerThreshold = threshold
		o.BreakerCooldown = cooldown
		return nil
	}
}

// WithSandboxTimeout bounds custom block evaluation.
func WithSandboxTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("sandbox timeout must be positive, got %v", d)
		}
		o.SandboxTimeout = d
		return nil
	}
}

// WithQueuePrefetch sets the unacked-delivery cap per worker.
func WithQueuePrefetch(n int) Option {
	return func(o *Options) error {
		if n < 1 {
			return fmt.Errorf("queue prefetch must be >= 1, got %d", n)
		}
		o.QueuePrefetch = n
		return nil
	}
}

// FromEnv reads Options from the environment on top of the defaults.
//
// Recognized variables: QUEUE_PREFETCH, NODE_EXECUTION_TIMEOUT,
// MAX_RETRIES, CIRCUIT_BREAKER_THRESHOLD, CIRCUIT_BREAKER_COOLDOWN,
// SANDBOX_TIMEOUT, MAX_IN_FLIGHT, WORKER_CONCURRENCY, DATABASE_URL,
// REDIS_URL, HTTP_ADDR, LOG_LEVEL. Durations accept Go syntax ("30s") or
// a bare number of seconds. Unset variables keep their defaults; invalid
// values return an error so misconfiguration fails startup instead of
// silently running with defaults.
func FromEnv() (Options, error) {
	o := DefaultOptions()

	var err error
	if o.QueuePrefetch, err = envInt("QUEUE_PREFETCH", o.QueuePrefetch); err != nil {
		return Options{}, err
	}
	if o.NodeTimeout, err = envDuration("NODE_EXECUTION_TIMEOUT", o.NodeTimeout); err != nil {
		return Options{}, err
	}
	if o.MaxAttempts, err = envInt("MAX_RETRIES", o.MaxAttempts); err != nil {
		return Options{}, err
	}
	if o.BreakerThreshold, err = envInt("CIRCUIT_BREAKER_THRESHOLD", o.BreakerThreshold); err != nil {
		return Options{}, err
	}
	if o.BreakerCooldown, err = envDuration("CIRCUIT_BREAKER_COOLDOWN", o.BreakerCooldown); err != nil {
		return Options{}, err
	}
	if o.SandboxTimeout, err = envDuration("SANDBOX_TIMEOUT", o.SandboxTimeout); err != nil {
		return Options{}, err
	}
	if o.MaxInFlight, err = envInt("MAX_IN_FLIGHT", o.MaxInFlight); err != nil {
		return Options{}, err
	}
	if o.WorkerConcurrency, err = envInt("WORKER_CONCURRENCY", o.WorkerConcurrency); err != nil {
		return Options{}, err
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		o.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		o.RedisURL = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		o.HTTPAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		o.LogLevel = v
	}

	return o.Normalize(), nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s: expected a positive integer, got %q", name, v)
	}
	return n, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 1 {
			return 0, fmt.Errorf("%s: expected a positive duration, got %q", name, v)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: expected a positive duration, got %q", name, v)
	}
	return d, nil
}
