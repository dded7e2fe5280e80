package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/config"
	"github.com/garyjia/expense-approval/internal/infrastructure/metrics"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/expense-approval/internal/infrastructure/worker"
	httpapi "github.com/garyjia/expense-approval/internal/interfaces/http"
	"github.com/garyjia/expense-approval/internal/seed"
	"github.com/garyjia/expense-approval/pkg/database"
	"github.com/garyjia/expense-approval/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Container manages all application dependencies and lifecycle.
// Components are initialized in dependency order and torn down in reverse.
type Container struct {
	config *config.Config
	opts   options
	logger *zap.Logger

	// Infrastructure - Data
	db           *database.DB
	tx           *sqlite.DB
	repositories *RepositoryBundle

	// Infrastructure - External
	notifier port.Notifier
	metrics  *metrics.Collector
	storage  *StorageBundle

	// Application
	dispatcher dispatcher.Dispatcher
	services   *ServiceBundle

	// Workers
	workers *worker.Manager

	mu     sync.Mutex
	ready  atomic.Bool
	closed atomic.Bool
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// New creates a container from configuration. Call Start to build the components.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Container{
		config: cfg,
		opts:   o,
		logger: logger,
	}, nil
}

// Start initializes components in dependency order:
// 1. Database, migrations and repositories
// 2. Metrics, notifier and ledger storage
// 3. Event dispatcher
// 4. Application services and event subscriptions
// 5. Workers
// A failure part way closes whatever was already built.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.logger.Info("Starting container initialization")

	if err := c.start(ctx); err != nil {
		if tdErr := c.teardown(); tdErr != nil {
			c.logger.Error("Cleanup after failed start", zap.Error(tdErr))
		}
		c.closed.Store(true)
		return err
	}

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

func (c *Container) start(ctx context.Context) error {
	dbBundle, err := ProvideDatabase(c.config.Database, c.opts.migrations, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	c.db = dbBundle.DB
	c.tx = dbBundle.TransactionMgr
	c.repositories = ProvideRepositories(c.db, c.logger)
	c.logger.Info("Database initialized", zap.String("path", c.config.Database.Path))

	reg := c.opts.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c.metrics = ProvideMetrics(reg)

	c.notifier = c.opts.notifier
	if c.notifier == nil {
		c.notifier = ProvideNotifier(c.config.Lark, c.logger)
	}
	c.storage = ProvideStorage(c.config.Report, c.logger)
	c.logger.Info("External components initialized", zap.String("notifier", c.notifier.Channel()))

	c.dispatcher = ProvideDispatcher(c.logger, c.metrics)

	c.services, err = ProvideServices(&ServiceDeps{
		Repos:      c.repositories,
		TxManager:  c.tx,
		Dispatcher: c.dispatcher,
		Notifier:   c.notifier,
		Storage:    c.storage,
		Metrics:    c.metrics,
		Approval:   c.config.Approval,
		Logger:     c.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	c.logger.Info("Application services initialized")

	if c.opts.startWorkers {
		c.workers = ProvideWorkers(c.config.Notification, c.services.Notification, c.logger)
		if err := c.workers.StartAll(ctx); err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}
	return nil
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")
	err := c.teardown()
	c.closed.Store(true)
	c.ready.Store(false)

	if err != nil {
		c.logger.Error("Container closed with errors", zap.Error(err))
		return err
	}
	c.logger.Info("Container closed successfully")
	return nil
}

func (c *Container) teardown() error {
	var errs []error

	// Workers first so no retry pass starts against a closing database
	if c.workers != nil {
		if err := c.workers.StopAll(); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
	}

	// Waits for in-flight async notification handlers
	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("container closed with %d errors: %v", len(errs), errs)
	}
	return nil
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}
	set := func(name string, healthy bool, msg string) {
		status.Components[name] = ComponentHealth{Healthy: healthy, Message: msg}
		if !healthy {
			status.Overall = false
		}
	}

	switch {
	case c.db == nil:
		set("database", false, "not initialized")
	default:
		if err := c.db.PingContext(ctx); err != nil {
			set("database", false, fmt.Sprintf("ping failed: %v", err))
		} else {
			set("database", true, "")
		}
	}

	if c.opts.startWorkers {
		set("workers", c.workers != nil && c.workers.IsRunning(), "")
	}

	if c.dispatcher == nil {
		set("dispatcher", false, "not initialized")
	} else {
		set("dispatcher", true, fmt.Sprintf("%d handlers in flight", c.dispatcher.InFlight()))
	}
	if c.notifier != nil {
		set("notifier", true, c.notifier.Channel())
	}

	return status
}

// HTTPServer builds the API server over the container's services.
func (c *Container) HTTPServer() *httpapi.Server {
	return httpapi.NewServer(httpapi.ServerConfig{
		Host:            c.config.Server.Host,
		Port:            c.config.Server.Port,
		ReadTimeout:     c.config.Server.ReadTimeout,
		WriteTimeout:    c.config.Server.WriteTimeout,
		ShutdownTimeout: c.config.Server.ShutdownTimeout,
	}, httpapi.Services{
		Expenses: c.services.Expense,
		Rules:    c.services.Rule,
		Reports:  c.services.Report,
		Users:    c.services.User,
	}, utils.NewKVLogger(c.logger),
		httpapi.WithMetricsHandler(c.metrics.Handler()),
		httpapi.WithHealth(func(ctx context.Context) (bool, interface{}) {
			h := c.Health(ctx)
			return h.Overall, h.Components
		}),
	)
}

// SeedLoader loads YAML fixtures through the container's repositories.
func (c *Container) SeedLoader() *seed.Loader {
	return seed.NewLoader(c.repositories.Company, c.repositories.User, c.services.Rule, c.tx)
}

// Database returns the underlying database.
func (c *Container) Database() *database.DB {
	return c.db
}

// Repositories returns all repositories.
func (c *Container) Repositories() *RepositoryBundle {
	return c.repositories
}

// Services returns all application services.
func (c *Container) Services() *ServiceBundle {
	return c.services
}

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// MetricsHandler serves the container's Prometheus registry.
func (c *Container) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}
