package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/garyjia/expense-approval/internal/config"
	"github.com/garyjia/expense-approval/internal/container"
	"github.com/garyjia/expense-approval/internal/seed"
	"github.com/garyjia/expense-approval/migrations"
	"github.com/garyjia/expense-approval/pkg/database"
	"github.com/garyjia/expense-approval/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "expense-approval",
		Short:         "Expense approval workflow server",
		Long:          `Runs the expense approval API and its maintenance tasks: schema migration, fixture seeding and ledger export.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "configs/config.yaml", "path to the YAML config file")

	root.AddCommand(
		a.serveCmd(),
		a.migrateCmd(),
		a.seedCmd(),
		a.exportCmd(),
	)
	return root
}

func (a *app) init() error {
	path := a.configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) startContainer(ctx context.Context, opts ...container.Option) (*container.Container, error) {
	c, err := container.New(a.cfg, a.logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := a.startContainer(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.Close(); err != nil {
					a.logger.Error("Failed to close container", zap.Error(err))
				}
			}()

			server := c.HTTPServer()
			a.logger.Info("Starting expense approval server", zap.String("addr", server.Address()))

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Run(gCtx)
			})
			g.Go(func() error {
				<-gCtx.Done()
				a.logger.Info("Shutting down")
				return nil
			})
			return g.Wait()
		},
	}
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.New(database.Config{Path: a.cfg.Database.Path}, a.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator := database.NewMigrator(db, a.logger)
			if err := migrator.RunMigrations(migrations.FS); err != nil {
				return err
			}

			applied, err := migrator.Applied()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied migrations: %v\n", applied)
			return nil
		},
	}
}

func (a *app) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [fixture.yaml]",
		Short: "Load companies, users and approval rules from a YAML fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			fixture, err := seed.Parse(file)
			if err != nil {
				return err
			}

			c, err := a.startContainer(cmd.Context(), container.WithoutWorkers())
			if err != nil {
				return err
			}
			defer c.Close()

			sum, err := c.SeedLoader().Load(cmd.Context(), fixture)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d companies, %d users, %d rules\n", sum.Companies, sum.Users, sum.Rules)
			return nil
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	var (
		companyID int64
		out       string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a company's expense ledger to Excel",
		Long:  `Writes the ledger to --out when given, otherwise archives it under report.output_dir.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.startContainer(cmd.Context(), container.WithoutWorkers())
			if err != nil {
				return err
			}
			defer c.Close()

			reports := c.Services().Report
			if out == "" {
				path, err := reports.ArchiveLedger(cmd.Context(), companyID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			}

			content, err := reports.BuildLedger(cmd.Context(), companyID)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, content, 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "company id")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the workbook to this file instead of the archive")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}
