// Package container wires the expense approval system together and owns
// the lifecycle of its long-lived components.
package container

import (
	"io/fs"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/migrations"
	"github.com/prometheus/client_golang/prometheus"
)

// options holds overrides applied by Option. Zero values mean "build the default".
type options struct {
	migrations   fs.FS
	notifier     port.Notifier
	registry     *prometheus.Registry
	startWorkers bool
}

func defaultOptions() options {
	return options{
		migrations:   migrations.FS,
		startWorkers: true,
	}
}

// Option customises how the container builds its components
type Option func(*options)

// WithNotifier replaces the Lark or log notifier chosen from configuration
func WithNotifier(n port.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithRegistry registers metrics on reg instead of a fresh registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithMigrations applies the given migration files instead of the embedded set
func WithMigrations(fsys fs.FS) Option {
	return func(o *options) {
		o.migrations = fsys
	}
}

// WithoutWorkers skips the background workers, for one-shot commands
func WithoutWorkers() Option {
	return func(o *options) {
		o.startWorkers = false
	}
}
