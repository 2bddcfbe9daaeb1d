package cosmigrate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Option configures a Migrator via functional options.
type Option interface {
	Apply(*config)
}

type config struct {
	parallelism       int
	pageSize          int
	maxPageBytes      int
	maxItemBytes      int
	retry             RetryPolicy
	itemFailurePolicy ItemFailurePolicy
	throughputPolicy  ThroughputPolicy
	filter            Filter
	transform         ItemTransform
	verify            bool
	writeRateLimit    float64
	observer          Observer
	registerer        prometheus.Registerer
	runID             string
	strict            bool
	sourceAccount     string
	targetAccount     string
	logLevel          zerolog.Level
}

var (
	defaultParallelism      = 4
	defaultPageSize         = 100
	defaultMaxPageBytes     = 4 << 20
	defaultMaxItemBytes     = 2 << 20
	defaultMaxRetryAttempts = 5
	defaultBaseBackoff      = 500 * time.Millisecond
	defaultMaxBackoff       = 30 * time.Second
	defaultJitter           = 0.2
)

func defaultConfig() *config {
	return &config{
		parallelism:  defaultParallelism,
		pageSize:     defaultPageSize,
		maxPageBytes: defaultMaxPageBytes,
		maxItemBytes: defaultMaxItemBytes,
		retry: RetryPolicy{
			MaxRetries:  defaultMaxRetryAttempts,
			BaseBackoff: defaultBaseBackoff,
			MaxBackoff:  defaultMaxBackoff,
			Multiplier:  2,
			Jitter:      defaultJitter,
		},
		itemFailurePolicy: SkipItemFailurePolicy,
		throughputPolicy:  ThroughputPolicy{Mode: ThroughputMatchSource},
		strict:            true,
		logLevel:          zerolog.InfoLevel,
	}
}

type (
	withParallelism       int
	withPageSize          int
	withMaxPageBytes      int
	withMaxItemBytes      int
	withMaxRetryAttempts  int
	withBaseBackoff       time.Duration
	withMaxBackoff        time.Duration
	withJitter            float64
	withItemFailurePolicy ItemFailurePolicy
	withThroughputPolicy  ThroughputPolicy
	withFilter            Filter
	withItemTransform     ItemTransform
	withVerify            bool
	withWriteRateLimit    float64
	withObserver          struct{ Observer }
	withRegisterer        struct{ prometheus.Registerer }
	withRunID             string
	withStrict            bool
	withAccountNames      struct{ source, target string }
	withLogLevel          zerolog.Level
)

func (o withParallelism) Apply(c *config) {
	c.parallelism = int(o)
}

// WithParallelism sets the number of migration units processed concurrently.
// Default value is 4.
func WithParallelism(n int) Option {
	return withParallelism(n)
}

func (o withPageSize) Apply(c *config) {
	c.pageSize = int(o)
}

// WithPageSize sets the page size hint used when reading source containers.
// Default value is 100.
func WithPageSize(n int) Option {
	return withPageSize(n)
}

func (o withMaxPageBytes) Apply(c *config) {
	c.maxPageBytes = int(o)
}

// WithMaxPageBytes sets the page byte budget. Pages larger than the budget
// shrink the page size of subsequent reads. Zero disables the budget.
func WithMaxPageBytes(n int) Option {
	return withMaxPageBytes(n)
}

func (o withMaxItemBytes) Apply(c *config) {
	c.maxItemBytes = int(o)
}

// WithMaxItemBytes sets the largest document accepted by the writer.
// Default value is 2 MiB.
func WithMaxItemBytes(n int) Option {
	return withMaxItemBytes(n)
}

func (o withMaxRetryAttempts) Apply(c *config) {
	c.retry.MaxRetries = int(o)
}

// WithMaxRetryAttempts sets how many times a failed remote call is retried.
// Default value is 5.
func WithMaxRetryAttempts(n int) Option {
	return withMaxRetryAttempts(n)
}

func (o withBaseBackoff) Apply(c *config) {
	c.retry.BaseBackoff = time.Duration(o)
}

// WithBaseBackoff sets the first backoff interval. Default value is 500ms.
func WithBaseBackoff(d time.Duration) Option {
	return withBaseBackoff(d)
}

func (o withMaxBackoff) Apply(c *config) {
	c.retry.MaxBackoff = time.Duration(o)
}

// WithMaxBackoff caps the exponential backoff interval. Default value is 30s.
func WithMaxBackoff(d time.Duration) Option {
	return withMaxBackoff(d)
}

func (o withJitter) Apply(c *config) {
	c.retry.Jitter = float64(o)
}

// WithJitter sets the randomization factor applied to backoff intervals.
func WithJitter(f float64) Option {
	return withJitter(f)
}

func (o withItemFailurePolicy) Apply(c *config) {
	c.itemFailurePolicy = ItemFailurePolicy(o)
}

// WithItemFailurePolicy sets what happens to a unit when an item cannot be written.
// Default value is SkipItemFailurePolicy.
func WithItemFailurePolicy(p ItemFailurePolicy) Option {
	return withItemFailurePolicy(p)
}

func (o withThroughputPolicy) Apply(c *config) {
	c.throughputPolicy = ThroughputPolicy(o)
}

// WithThroughputPolicy sets how missing target containers are provisioned.
func WithThroughputPolicy(p ThroughputPolicy) Option {
	return withThroughputPolicy(p)
}

func (o withFilter) Apply(c *config) {
	c.filter = Filter(o)
}

// WithFilter restricts the migration to one database, or one container of it.
func WithFilter(f Filter) Option {
	return withFilter(f)
}

func (o withItemTransform) Apply(c *config) {
	c.transform = ItemTransform(o)
}

// WithItemTransform sets a transform applied to every document before it is written.
func WithItemTransform(t ItemTransform) Option {
	return withItemTransform(t)
}

func (o withVerify) Apply(c *config) {
	c.verify = bool(o)
}

// WithVerify enables comparing source and target item counts after a unit completes.
// It requires both account clients to implement ItemCounter.
func WithVerify(verify bool) Option {
	return withVerify(verify)
}

func (o withWriteRateLimit) Apply(c *config) {
	c.writeRateLimit = float64(o)
}

// WithWriteRateLimit caps item writes per second across all units. Zero means unlimited.
func WithWriteRateLimit(perSecond float64) Option {
	return withWriteRateLimit(perSecond)
}

func (o withObserver) Apply(c *config) {
	c.observer = o.Observer
}

// WithObserver sets an observer notified of unit transitions, flushed pages and retries.
func WithObserver(o Observer) Option {
	return withObserver{o}
}

func (o withRegisterer) Apply(c *config) {
	c.registerer = o.Registerer
}

// WithRegisterer sets the prometheus registerer for the migrator metrics.
// If not set, metrics are collected but not registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return withRegisterer{reg}
}

func (o withRunID) Apply(c *config) {
	c.runID = string(o)
}

// WithRunID sets the identifier reported in the run summary. Default value is a random UUID.
func WithRunID(id string) Option {
	return withRunID(id)
}

func (o withStrict) Apply(c *config) {
	c.strict = bool(o)
}

// WithStrict sets whether rejected items make a completed run exit with ExitPartial.
// Default value is true.
func WithStrict(strict bool) Option {
	return withStrict(strict)
}

func (o withAccountNames) Apply(c *config) {
	c.sourceAccount = o.source
	c.targetAccount = o.target
}

// WithAccountNames sets the account names reported in the run summary.
func WithAccountNames(source, target string) Option {
	return withAccountNames{source: source, target: target}
}

func (o withLogLevel) Apply(c *config) {
	c.logLevel = zerolog.Level(o)
}

// WithLogLevel sets the log level for the migrator.
func WithLogLevel(logLevel string) Option {
	ll, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		log.Warn().Err(err).Msgf("Invalid log level %s, using default level info", logLevel)
		ll = zerolog.InfoLevel
	}
	return withLogLevel(ll)
}
