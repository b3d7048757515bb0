package jobq

import (
	"github.com/UniQw/jobq/driver"
	"github.com/google/uuid"
)

// IDGenerator produces a fresh unique job id on each call.
type IDGenerator func() string

type options struct {
	newID       IDGenerator
	clock       driver.Clock
	logger      Logger
	encoder     Encoder
	middlewares []Middleware
}

// Option configures a Client.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		newID:   uuid.NewString,
		clock:   driver.SystemClock,
		logger:  NopLogger{},
		encoder: &JSONEncoder{},
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithIDGenerator overrides how job ids are generated. The default is a random UUID.
func WithIDGenerator(fn IDGenerator) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithClock overrides the source of job timestamps (unix seconds).
func WithClock(fn driver.Clock) Option {
	return func(o *options) {
		if fn != nil {
			o.clock = fn
		}
	}
}

// WithLogger sets the logger used by the client and, through Open, its driver.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEncoder sets the payload encoder used by Push.
func WithEncoder(e Encoder) Option {
	return func(o *options) {
		if e != nil {
			o.encoder = e
		}
	}
}

// WithMiddleware appends handler middleware. Middlewares run in the order they are added.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *options) {
		o.middlewares = append(o.middlewares, mw...)
	}
}
