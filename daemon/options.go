package daemon

import "go.uber.org/zap"

// Option configures an Agent at construction, following the functional
// options pattern so new configuration knobs don't break existing
// callers.
type Option func(*Agent) error

// WithLogger installs logger in place of a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) error {
		a.logger = logger
		return nil
	}
}
