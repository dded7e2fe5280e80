package container

import (
	"fmt"
	"io/fs"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/service"
	"github.com/garyjia/expense-approval/internal/config"
	"github.com/garyjia/expense-approval/internal/domain/event"
	"github.com/garyjia/expense-approval/internal/infrastructure/external/console"
	infraLark "github.com/garyjia/expense-approval/internal/infrastructure/external/lark"
	"github.com/garyjia/expense-approval/internal/infrastructure/metrics"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/repository"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/expense-approval/internal/infrastructure/storage"
	"github.com/garyjia/expense-approval/internal/infrastructure/worker"
	"github.com/garyjia/expense-approval/internal/report"
	"github.com/garyjia/expense-approval/pkg/database"
	"github.com/garyjia/expense-approval/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// DatabaseBundle holds database-related components.
type DatabaseBundle struct {
	DB             *database.DB
	TransactionMgr *sqlite.DB
}

// RepositoryBundle groups all repositories for convenient access.
type RepositoryBundle struct {
	Company      port.CompanyRepository
	User         port.UserRepository
	Rule         port.RuleRepository
	Expense      port.ExpenseRepository
	Approval     port.ApprovalRepository
	Notification port.NotificationRepository
}

// ServiceBundle groups all application services.
type ServiceBundle struct {
	Expense      service.ExpenseService
	Rule         service.RuleService
	Notification service.NotificationService
	Report       service.ReportService
	User         service.UserService
}

// StorageBundle holds the ledger archive and the workbook renderer.
type StorageBundle struct {
	FileStorage  port.FileStorage
	LedgerWriter port.LedgerWriter
}

// ProvideDatabase opens SQLite and applies pending migrations.
func ProvideDatabase(cfg config.DatabaseConfig, migrationFiles fs.FS, logger *zap.Logger) (*DatabaseBundle, error) {
	db, err := database.New(database.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := database.NewMigrator(db, logger).RunMigrations(migrationFiles); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DatabaseBundle{
		DB:             db,
		TransactionMgr: sqlite.NewDB(db.DB, logger),
	}, nil
}

// ProvideRepositories creates all repositories from a database connection.
func ProvideRepositories(db *database.DB, logger *zap.Logger) *RepositoryBundle {
	return &RepositoryBundle{
		Company:      repository.NewCompanyRepository(db.DB, logger),
		User:         repository.NewUserRepository(db.DB, logger),
		Rule:         repository.NewRuleRepository(db.DB, logger),
		Expense:      repository.NewExpenseRepository(db.DB, logger),
		Approval:     repository.NewApprovalRepository(db.DB, logger),
		Notification: repository.NewNotificationRepository(db.DB, logger),
	}
}

// ProvideNotifier sends notices through Lark when credentials are configured
// and to the log otherwise.
func ProvideNotifier(cfg config.LarkConfig, logger *zap.Logger) port.Notifier {
	larkCfg := infraLark.Config{
		AppID:     cfg.AppID,
		AppSecret: cfg.AppSecret,
		BaseURL:   cfg.BaseURL,
	}
	if !larkCfg.Enabled() {
		logger.Info("Lark credentials not configured, approval notices go to the log")
		return console.NewNotifier(logger)
	}
	return infraLark.NewMessenger(infraLark.NewSDKClient(larkCfg, logger), logger)
}

// ProvideMetrics registers the workflow collectors plus the Go runtime and
// process collectors on reg.
func ProvideMetrics(reg *prometheus.Registry) *metrics.Collector {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg)
}

// ProvideStorage creates the ledger archive rooted at the report output directory.
func ProvideStorage(cfg config.ReportConfig, logger *zap.Logger) *StorageBundle {
	return &StorageBundle{
		FileStorage:  storage.NewLocalFileStorage(cfg.OutputDir, logger),
		LedgerWriter: report.NewLedgerExporter(logger),
	}
}

// ProvideDispatcher creates the event dispatcher, reporting handler outcomes to m.
func ProvideDispatcher(logger *zap.Logger, m *metrics.Collector) dispatcher.Dispatcher {
	return dispatcher.NewDispatcher(
		dispatcher.WithLogger(utils.NewKVLogger(logger)),
		dispatcher.WithObserver(m.ObserveHandler),
	)
}

// ServiceDeps holds dependencies required for creating services.
type ServiceDeps struct {
	Repos      *RepositoryBundle
	TxManager  port.TransactionManager
	Dispatcher dispatcher.Dispatcher
	Notifier   port.Notifier
	Storage    *StorageBundle
	Metrics    port.Metrics
	Approval   config.ApprovalConfig
	Logger     *zap.Logger
}

// ProvideServices creates all application services and subscribes the
// notification service to approver.notify events.
func ProvideServices(deps *ServiceDeps) (*ServiceBundle, error) {
	if deps == nil || deps.Repos == nil || deps.TxManager == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("repositories, transaction manager and dispatcher are required")
	}

	serviceLogger := utils.NewKVLogger(deps.Logger)
	repos := deps.Repos

	services := &ServiceBundle{
		Expense: service.NewExpenseService(
			repos.Company,
			repos.User,
			repos.Rule,
			repos.Expense,
			repos.Approval,
			deps.TxManager,
			serviceLogger,
			service.WithDispatcher(deps.Dispatcher),
			service.WithMetrics(deps.Metrics),
			service.WithDecisionRetries(deps.Approval.DecisionRetries),
		),
		Rule: service.NewRuleService(
			repos.Company,
			repos.User,
			repos.Rule,
			deps.TxManager,
			serviceLogger,
		),
		User: service.NewUserService(
			repos.User,
			deps.TxManager,
			serviceLogger,
		),
		Notification: service.NewNotificationService(
			repos.Company,
			repos.User,
			repos.Expense,
			repos.Approval,
			repos.Notification,
			deps.Notifier,
			deps.Metrics,
			serviceLogger,
		),
		Report: service.NewReportService(
			repos.Company,
			repos.User,
			repos.Expense,
			repos.Approval,
			deps.Storage.LedgerWriter,
			deps.Storage.FileStorage,
			serviceLogger,
		),
	}

	deps.Dispatcher.Subscribe(event.TypeApproverNotify, "approver_notifier", services.Notification.HandleApproverNotify)

	return services, nil
}

// ProvideWorkers creates the worker manager with the notification retry worker registered.
func ProvideWorkers(cfg config.NotificationConfig, notifications service.NotificationService, logger *zap.Logger) *worker.Manager {
	manager := worker.NewManager(logger)
	manager.Register(worker.NewNotificationRetryWorker(worker.RetryConfig{
		Interval:    cfg.RetryInterval,
		MaxAttempts: cfg.MaxAttempts,
		BatchSize:   cfg.RetryBatchSize,
	}, notifications, logger))
	return manager
}
