package chat

import (
	"time"

	"go.uber.org/zap"

	"github.com/omochice/roomchat/internal/metrics"
)

// Default configuration values.
const (
	defaultIdleTimeout  = 5 * time.Minute
	defaultWriteTimeout = 10 * time.Second
	defaultMaxBodySize  = 64 * 1024
	defaultMaxQueue     = 256
)

// options holds the configuration shared by every slot of a pool.
type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	idleTimeout  time.Duration // read deadline applied before every header read
	writeTimeout time.Duration // deadline for each outbound write
	maxBodySize  int
	maxQueue     int // outbound frames buffered before the client counts as stalled
}

// Option is a function that configures connection options.
type Option func(*options)

// LoggerOption sets the logger. If not set, a no-op logger is used.
func LoggerOption(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption sets the metrics collectors.
func MetricsOption(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// IdleTimeoutOption sets how long a connection may stay silent between requests.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WriteTimeoutOption sets the deadline for each outbound write.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// MaxBodySizeOption sets the largest body a header may declare.
func MaxBodySizeOption(size int) Option {
	return func(o *options) {
		o.maxBodySize = size
	}
}

// MaxQueueOption sets how many frames may wait in the outbound queue.
func MaxQueueOption(n int) Option {
	return func(o *options) {
		o.maxQueue = n
	}
}

func buildOptions(opt ...Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
	if opts.maxBodySize <= 0 {
		opts.maxBodySize = defaultMaxBodySize
	}
	if opts.maxQueue <= 0 {
		opts.maxQueue = defaultMaxQueue
	}
	return opts
}
