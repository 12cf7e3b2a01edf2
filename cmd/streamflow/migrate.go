package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/streamflow/config"
	"github.com/BaSui01/streamflow/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		withMigrator(subargs, func(m *migration.Migrator) error {
			if err := m.Up(); err != nil {
				return err
			}
			fmt.Println("Migrations applied")
			return nil
		})
	case "down":
		withMigrator(subargs, func(m *migration.Migrator) error {
			if err := m.Down(); err != nil {
				return err
			}
			fmt.Println("Last migration rolled back")
			return nil
		})
	case "status":
		withMigrator(subargs, func(m *migration.Migrator) error {
			info, err := m.Info()
			if err != nil {
				return err
			}
			fmt.Printf("Current version: %d (dirty: %v)\n", info.CurrentVersion, info.Dirty)
			fmt.Printf("Applied: %d / %d, pending: %d\n",
				info.AppliedMigrations, info.TotalMigrations, info.PendingMigrations)
			return nil
		})
	case "version":
		withMigrator(subargs, func(m *migration.Migrator) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Printf("Version: %d (dirty: %v)\n", version, dirty)
			return nil
		})
	case "goto":
		runMigrateGoto(subargs)
	case "force":
		runMigrateForce(subargs)
	case "reset":
		withMigrator(subargs, func(m *migration.Migrator) error {
			info, err := m.Info()
			if err != nil {
				return err
			}
			if err := m.Steps(-info.AppliedMigrations); err != nil {
				return err
			}
			fmt.Println("All migrations rolled back")
			return nil
		})
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  streamflow migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)

Examples:
  streamflow migrate up
  streamflow migrate up --config /etc/streamflow/config.yaml
  streamflow migrate down
  streamflow migrate status
  streamflow migrate goto 1
  streamflow migrate force 0
  streamflow migrate reset`)
}

// createMigrator creates a migrator from command line flags
func createMigrator(fs *flag.FlagSet, args []string) (*migration.Migrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}

	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// withMigrator builds a migrator from flags, runs fn, and handles cleanup
func withMigrator(args []string, fn func(*migration.Migrator) error) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := fn(migrator); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// runMigrateGoto migrates to a specific version
func runMigrateGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: streamflow migrate goto <version>\n")
		os.Exit(1)
	}

	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	withMigrator(args[1:], func(m *migration.Migrator) error {
		if err := m.Goto(uint(version)); err != nil {
			return err
		}
		fmt.Printf("Migrated to version %d\n", version)
		return nil
	})
}

// runMigrateForce forces the migration version
func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: streamflow migrate force <version>\n")
		os.Exit(1)
	}

	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	withMigrator(args[1:], func(m *migration.Migrator) error {
		if err := m.Force(int(version)); err != nil {
			return err
		}
		fmt.Printf("Version forced to %d\n", version)
		return nil
	})
}
