package epoch

import (
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// DefaultBagCapacity is the number of deferred functions a participant
	// buffers locally before sealing them into the global buckets.
	DefaultBagCapacity = 64
	// DefaultAdvanceEvery is the number of outermost unpins between two
	// collection attempts of the same handle.
	DefaultAdvanceEvery = 128
)

type options struct {
	name            string
	bagCapacity     int
	advanceEvery    int
	collectInterval time.Duration
	logger          *zap.Logger
}

func defaultOptions() options {
	return options{
		name:         "default",
		bagCapacity:  DefaultBagCapacity,
		advanceEvery: DefaultAdvanceEvery,
	}
}

// Option configures a Collector.
type Option func(*options)

// WithName sets the name used in logs and as the metrics label.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithBagCapacity sets the capacity of each local bag. Values below 1 are
// treated as 1.
func WithBagCapacity(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.bagCapacity = n
	}
}

// WithAdvanceEvery sets how many outermost unpins a handle performs between
// two collection attempts. 1 collects on every unpin.
func WithAdvanceEvery(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.advanceEvery = n
	}
}

// WithCollectInterval starts a background goroutine that runs a collection
// step every d. Zero disables it.
func WithCollectInterval(d time.Duration) Option {
	return func(o *options) { o.collectInterval = d }
}

// WithLogger sets the logger. The global pingcap logger is used by default.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func (o *options) finish() {
	if o.logger == nil {
		o.logger = log.L()
	}
	o.logger = o.logger.With(zap.String("collector", o.name))
}
