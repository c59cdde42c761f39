package heftydb

import (
	"os"

	"github.com/dd0wney/heftydb/pkg/logging"
	"github.com/dd0wney/heftydb/pkg/metrics"
)

// maxKeySize bounds the data part of a key.
const maxKeySize = 64 * 1024

// Option customizes Open.
type Option func(*options)

type options struct {
	logger  logging.Logger
	metrics *metrics.Registry
}

// WithLogger sets the logger. The default logs JSON to stderr at the
// configured log level, or at LOG_LEVEL when none is configured.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics registry. By default every database gets its
// own registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(o *options) {
		o.metrics = r
	}
}

func buildOptions(logLevel string, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	switch {
	case o.logger != nil:
	case logLevel != "":
		o.logger = logging.NewJSONLogger(os.Stderr, logging.ParseLevel(logLevel))
	default:
		o.logger = logging.DefaultLogger()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewRegistry()
	}
	return o
}
