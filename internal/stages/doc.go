// Package stages provides the stage bodies a worker process can run:
// acquisition through the provider fallback loop, external commands for
// the raster stages, and replication of published assets to Cloud
// Storage.
package stages

import "log/slog"

// Option configures a stage body.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the body logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newOptions(component string, opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", component)
	return o
}
