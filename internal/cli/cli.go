package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/Additional-Code/ordersync/internal/app"
	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/dto"
	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/migration"
	"github.com/Additional-Code/ordersync/internal/realtime"
	"github.com/Additional-Code/ordersync/internal/seeder"
	"github.com/Additional-Code/ordersync/internal/session"
	"github.com/Additional-Code/ordersync/internal/store"
)

const stopTimeout = 15 * time.Second

// NewRootCommand builds the root ordersync CLI command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ordersync",
		Short:         "Order synchronization console core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newStartCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSeedCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newWatchCmd())

	return root
}

// Execute runs the CLI until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "start",
		Aliases: []string{"run"},
		Short:   "Run the console API, gRPC health and the sync pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), app.HTTP)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage background workers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run a headless sync node (event channel, Kafka ingest, snapshots)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), app.Worker)
		},
	})
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run snapshot database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(context.Context, *migration.Migrator) error) error {
		var mig *migration.Migrator
		opts := fx.Options(app.Core, app.Persistence, migration.Module, fx.Populate(&mig))
		return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
			return fn(ctx, mig)
		})
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, mig *migration.Migrator) error {
				if err := mig.Up(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			all, _ := cmd.Flags().GetBool("all")
			return withMigrator(cmd, func(ctx context.Context, mig *migration.Migrator) error {
				if err := mig.Down(ctx, steps, all); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
				return nil
			})
		},
	}
	downCmd.Flags().Int("steps", 1, "Number of migration steps to rollback")
	downCmd.Flags().Bool("all", false, "Rollback all applied migrations")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, mig *migration.Migrator) error {
				return mig.Status(ctx)
			})
		},
	}

	cmd.AddCommand(upCmd, downCmd, statusCmd)
	return cmd
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Write sample order snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			var seed *seeder.Seeder
			opts := fx.Options(app.Core, app.Persistence, seeder.Module, fx.Populate(&seed))
			return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
				if err := seed.Orders(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "seed data applied")
				return nil
			})
		},
	}
}

func newWatchCmd() *cobra.Command {
	var (
		token  string
		orders []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the event channel and print order changes as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess *session.Session
			opts := fx.Options(
				app.Watch,
				fx.Decorate(func(cfg config.Config) config.Config {
					cfg.Realtime.AutoConnect = false
					return cfg
				}),
				fx.Provide(session.AsBinder(func() session.BinderFunc {
					return printer(cmd.OutOrStdout())
				})),
				fx.Populate(&sess),
			)
			return runWithApp(cmd.Context(), opts, func(ctx context.Context) error {
				if err := sess.Connect(token); err != nil {
					return err
				}
				for _, id := range orders {
					if err := sess.JoinOrder(id); err != nil {
						return fmt.Errorf("join order %s: %w", id, err)
					}
				}
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Event channel token (defaults to REALTIME_TOKEN)")
	cmd.Flags().StringSliceVar(&orders, "order", nil, "Order ids whose rooms to join")
	return cmd
}

type watchLine struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func printer(out io.Writer) session.BinderFunc {
	enc := json.NewEncoder(out)
	write := func(event string, data any) {
		_ = enc.Encode(watchLine{Event: event, Data: data})
	}
	return func(registry *listener.Registry) {
		registry.Add(listener.EventConnectionState, func(payload any) {
			if change, ok := payload.(realtime.StateChange); ok {
				write(listener.EventConnectionState, dto.FromState(change.To))
			}
		})
		registry.Add(listener.EventOrdersChanged, func(payload any) {
			if change, ok := payload.(store.Change); ok {
				write(listener.EventOrdersChanged, dto.FromChange(change))
			}
		})
		registry.Add(listener.EventNotification, func(payload any) {
			write(listener.EventNotification, payload)
		})
	}
}

func serve(ctx context.Context, opts fx.Option) error {
	application := fx.New(opts)
	if err := application.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return application.Stop(stopCtx)
}

func runWithApp(ctx context.Context, opts fx.Option, fn func(context.Context) error) error {
	application := fx.New(opts)
	if err := application.Err(); err != nil {
		return err
	}
	if err := application.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = application.Stop(stopCtx)
	}()
	return fn(ctx)
}
