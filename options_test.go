package cosmigrate

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestWithParallelism(t *testing.T) {
	c := &config{}
	WithParallelism(8).Apply(c)
	assert.Equal(t, 8, c.parallelism)
}

func TestWithPageSize(t *testing.T) {
	c := &config{}
	WithPageSize(250).Apply(c)
	assert.Equal(t, 250, c.pageSize)
}

func TestWithByteLimits(t *testing.T) {
	c := &config{}
	WithMaxPageBytes(1 << 10).Apply(c)
	WithMaxItemBytes(1 << 9).Apply(c)
	assert.Equal(t, 1<<10, c.maxPageBytes)
	assert.Equal(t, 1<<9, c.maxItemBytes)
}

func TestRetryOptions(t *testing.T) {
	c := defaultConfig()
	WithMaxRetryAttempts(9).Apply(c)
	WithBaseBackoff(time.Second).Apply(c)
	WithMaxBackoff(time.Minute).Apply(c)
	WithJitter(0.5).Apply(c)

	assert.Equal(t, RetryPolicy{
		MaxRetries:  9,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
		Multiplier:  2,
		Jitter:      0.5,
	}, c.retry)
}

func TestWithItemFailurePolicy(t *testing.T) {
	c := defaultConfig()
	assert.Equal(t, SkipItemFailurePolicy, c.itemFailurePolicy)
	WithItemFailurePolicy(AbortUnitItemFailurePolicy).Apply(c)
	assert.Equal(t, AbortUnitItemFailurePolicy, c.itemFailurePolicy)
}

func TestWithThroughputPolicy(t *testing.T) {
	c := defaultConfig()
	assert.Equal(t, ThroughputMatchSource, c.throughputPolicy.Mode)
	WithThroughputPolicy(ThroughputPolicy{Mode: ThroughputFixed, Fixed: 1000}).Apply(c)
	assert.Equal(t, ThroughputPolicy{Mode: ThroughputFixed, Fixed: 1000}, c.throughputPolicy)
}

func TestWithFilter(t *testing.T) {
	c := &config{}
	WithFilter(Filter{Database: "shop", Container: "orders"}).Apply(c)
	assert.Equal(t, Filter{Database: "shop", Container: "orders"}, c.filter)
}

func TestWithItemTransform(t *testing.T) {
	c := &config{}
	called := false
	WithItemTransform(func(doc map[string]any, pk string) error {
		called = true
		return nil
	}).Apply(c)
	assert.NotNil(t, c.transform)
	assert.NoError(t, c.transform(nil, "/pk"))
	assert.True(t, called)
}

func TestWithObserverAndRegisterer(t *testing.T) {
	c := &config{}
	reg := prometheus.NewRegistry()
	obs := ObserverFunc(func(Event) {})
	WithObserver(obs).Apply(c)
	WithRegisterer(reg).Apply(c)
	assert.NotNil(t, c.observer)
	assert.Equal(t, reg, c.registerer)
}

func TestRunOptions(t *testing.T) {
	c := defaultConfig()
	assert.True(t, c.strict)

	WithVerify(true).Apply(c)
	WithWriteRateLimit(50).Apply(c)
	WithRunID("run-1").Apply(c)
	WithStrict(false).Apply(c)
	WithAccountNames("src", "dst").Apply(c)

	assert.True(t, c.verify)
	assert.Equal(t, 50.0, c.writeRateLimit)
	assert.Equal(t, "run-1", c.runID)
	assert.False(t, c.strict)
	assert.Equal(t, "src", c.sourceAccount)
	assert.Equal(t, "dst", c.targetAccount)
}

func TestWithLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
	}{
		{"debug level", "debug", zerolog.DebugLevel},
		{"info level", "info", zerolog.InfoLevel},
		{"warning level", "warn", zerolog.WarnLevel},
		{"error level", "error", zerolog.ErrorLevel},
		{"invalid level", "invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &config{}
			WithLogLevel(tt.level).Apply(c)
			assert.Equal(t, tt.expected, c.logLevel)
		})
	}
}
