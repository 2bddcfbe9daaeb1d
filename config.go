package cosmigrate

import (
	"errors"
	"fmt"
	"time"
)

// Config is the complete, validated configuration of a migration run as
// assembled by the command line.
type Config struct {
	Parallelism      int
	PageSize         int
	MaxPageBytes     int
	MaxItemBytes     int
	MaxRetryAttempts int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	OnItemFailure    string
	ThroughputPolicy string
	// Throughput is used with ThroughputPolicy "fixed" when no value is embedded in the policy string.
	Throughput     int32
	Database       string
	Container      string
	Verify         bool
	Sanitize       bool
	WriteRateLimit float64
	// Strict makes completed runs with rejected items exit with ExitPartial instead of ExitOK.
	Strict   bool
	LogLevel string
}

// DefaultConfig returns a Config populated with the defaults.
func DefaultConfig() Config {
	d := defaultConfig()
	return Config{
		Parallelism:      d.parallelism,
		PageSize:         d.pageSize,
		MaxPageBytes:     d.maxPageBytes,
		MaxItemBytes:     d.maxItemBytes,
		MaxRetryAttempts: d.retry.MaxRetries,
		BaseBackoff:      d.retry.BaseBackoff,
		MaxBackoff:       d.retry.MaxBackoff,
		OnItemFailure:    SkipItemFailurePolicyName,
		ThroughputPolicy: ThroughputMatchSourceName,
		Strict:           true,
		LogLevel:         "info",
	}
}

// Validate checks every field and returns all problems found.
func (c Config) Validate() error {
	var errs []error
	if c.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("parallelism must be at least 1, got %d", c.Parallelism))
	}
	if c.PageSize < 1 {
		errs = append(errs, fmt.Errorf("page size must be at least 1, got %d", c.PageSize))
	}
	if c.MaxPageBytes < 0 {
		errs = append(errs, fmt.Errorf("max page bytes must not be negative, got %d", c.MaxPageBytes))
	}
	if c.MaxItemBytes < 0 {
		errs = append(errs, fmt.Errorf("max item bytes must not be negative, got %d", c.MaxItemBytes))
	}
	if c.MaxRetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("max retry attempts must not be negative, got %d", c.MaxRetryAttempts))
	}
	if c.BaseBackoff <= 0 {
		errs = append(errs, fmt.Errorf("base backoff must be positive, got %s", c.BaseBackoff))
	}
	if c.MaxBackoff < c.BaseBackoff {
		errs = append(errs, fmt.Errorf("max backoff %s is lower than base backoff %s", c.MaxBackoff, c.BaseBackoff))
	}
	if c.WriteRateLimit < 0 {
		errs = append(errs, fmt.Errorf("write rate limit must not be negative, got %v", c.WriteRateLimit))
	}
	if _, err := ParseItemFailurePolicy(c.OnItemFailure); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.throughputPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.Container != "" && c.Database == "" {
		errs = append(errs, errors.New("a container filter requires a database filter"))
	}
	return errors.Join(errs...)
}

func (c Config) throughputPolicy() (ThroughputPolicy, error) {
	s := c.ThroughputPolicy
	if s == ThroughputFixedName {
		s = fmt.Sprintf("%s:%d", ThroughputFixedName, c.Throughput)
	}
	return ParseThroughputPolicy(s)
}

// Options validates c and converts it into migrator options.
// Sanitize is not converted because the transform lives outside this package.
func (c Config) Options() ([]Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	failurePolicy, _ := ParseItemFailurePolicy(c.OnItemFailure)
	throughputPolicy, _ := c.throughputPolicy()

	return []Option{
		WithParallelism(c.Parallelism),
		WithPageSize(c.PageSize),
		WithMaxPageBytes(c.MaxPageBytes),
		WithMaxItemBytes(c.MaxItemBytes),
		WithMaxRetryAttempts(c.MaxRetryAttempts),
		WithBaseBackoff(c.BaseBackoff),
		WithMaxBackoff(c.MaxBackoff),
		WithItemFailurePolicy(failurePolicy),
		WithThroughputPolicy(throughputPolicy),
		WithFilter(Filter{Database: c.Database, Container: c.Container}),
		WithVerify(c.Verify),
		WithWriteRateLimit(c.WriteRateLimit),
		WithStrict(c.Strict),
		WithLogLevel(c.LogLevel),
	}, nil
}
