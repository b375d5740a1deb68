package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Strob0t/edmas/internal/adapter/nats"
	"github.com/Strob0t/edmas/internal/adapter/postgres"
	"github.com/Strob0t/edmas/internal/config"
	"github.com/Strob0t/edmas/internal/domain/agent"
	"github.com/Strob0t/edmas/internal/port/statestore"
	"github.com/Strob0t/edmas/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "version":
		return runAdminVersion(args[1:])
	case "migrations":
		return runAdminMigrations(args[1:])
	case "list":
		return runAdminList(args[1:])
	case "prune":
		return runAdminPrune(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: edmas admin <command> [options]

Commands:
  migrate      Apply pending database migrations
  rollback     Roll back migrations (-steps N, default 1)
  version      Print the current migration version
  migrations   List embedded migrations and whether they are applied
  list         List agent state records (-type, -status)
  prune        Fail stale records and delete expired FAILED records once
  help         Show this help message

Examples:
  edmas admin migrate
  edmas admin rollback -steps 2
  edmas admin list -status FAILED
`)
}

func loadAdminConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func requirePostgres(cfg *config.Config) error {
	if cfg.Store.Backend != "postgres" {
		return fmt.Errorf("store.backend is %q; migrations apply to postgres only", cfg.Store.Backend)
	}
	return nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if err := requirePostgres(cfg); err != nil {
		return err
	}
	if err := postgres.RunMigrations(context.Background(), cfg.Postgres.DSN); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Migrations applied")
	return nil
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return errors.New("-steps must be >= 1")
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if err := requirePostgres(cfg); err != nil {
		return err
	}
	if err := postgres.RollbackMigrations(context.Background(), cfg.Postgres.DSN, *steps); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *steps)
	return nil
}

func runAdminVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if err := requirePostgres(cfg); err != nil {
		return err
	}
	v, err := postgres.MigrationVersion(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func runAdminMigrations(args []string) error {
	fs := flag.NewFlagSet("migrations", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if err := requirePostgres(cfg); err != nil {
		return err
	}
	list, err := postgres.ListMigrations(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tSOURCE\tAPPLIED")
	for _, m := range list {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%t\n", m.Version, m.Source, m.Applied)
	}
	return w.Flush()
}

// withAdminStore opens the configured store for a one-off command.
func withAdminStore(fn func(ctx context.Context, cfg *config.Config, store statestore.Store) error) error {
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Backend == "memory" {
		return errors.New("store.backend memory has no persisted records")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var queue *nats.Queue
	if cfg.Store.Backend == "nats" {
		queue, err = nats.Connect(ctx, cfg.NATS.URL,
			nats.WithName("edmas-admin"),
			nats.WithCredentials(cfg.Store.CredentialsPath),
		)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
	}

	store, closeStore, err := openStore(ctx, cfg, queue, false)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, cfg, store)
}

func runAdminList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	agentType := fs.String("type", "", "filter by agent type")
	status := fs.String("status", "", "filter by status (ACTIVE, PAUSED, EVOLVING, FAILED)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *status != "" && !agent.ValidStatus(*status) {
		return fmt.Errorf("unknown status %q", *status)
	}

	return withAdminStore(func(ctx context.Context, _ *config.Config, store statestore.Store) error {
		states, err := store.List(ctx, statestore.Filter{AgentType: *agentType, Status: agent.Status(*status)})
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}
		if len(states) == 0 {
			fmt.Println("No agent records found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "AGENT_ID\tTYPE\tSTATUS\tPERF\tLAST_HEARTBEAT\tERRORS\tSUCCESSES")
		for _, s := range states {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%s\t%d\t%d\n",
				s.AgentID, s.AgentType, s.Status, s.PerformanceScore,
				s.LastHeartbeat.Format(time.RFC3339), s.ErrorCount, s.SuccessCount)
		}
		return w.Flush()
	})
}

func runAdminPrune(args []string) error {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withAdminStore(func(ctx context.Context, cfg *config.Config, store statestore.Store) error {
		svc := service.NewAgentService(store, cfg.Agents, cfg.Store.ProjectID)
		if err := svc.Sweep(ctx); err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Prune complete")
		return nil
	})
}
