package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/migadu/popd/backend"
	"github.com/migadu/popd/config"
)

func handleMigrateCommand(ctx context.Context, args []string) error {
	if len(args) < 1 {
		printMigrateUsage()
		return fmt.Errorf("missing migrate subcommand")
	}

	switch args[0] {
	case "up":
		return handleMigrateUp(ctx, args[1:])
	case "version":
		return handleMigrateVersion(ctx, args[1:])
	case "help", "--help", "-h":
		printMigrateUsage()
		return nil
	}
	printMigrateUsage()
	return fmt.Errorf("unknown migrate subcommand: %s", args[0])
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Only the sqlite and postgres backends have a schema. On postgres an advisory
lock keeps two admin tools from migrating at the same time.

Usage:
  popd-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  version   Show the current migration version and dirty state
`)
}

// openDatabaseBackend opens the configured database without applying
// migrations on the way.
func openDatabaseBackend(ctx context.Context, configPath string) (*backend.Backend, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Maildrop.Backend != config.BackendSQLite && cfg.Maildrop.Backend != config.BackendPostgres {
		return nil, fmt.Errorf("the %q backend has no database schema", cfg.Maildrop.Backend)
	}
	cfg.Database.AutoMigrate = false
	cfg.S3.Enabled = false
	return backend.Open(ctx, cfg)
}

func handleMigrateUp(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: popd-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending migrations.")
	}
	fs.Parse(args)

	b, err := openDatabaseBackend(ctx, *configPath)
	if err != nil {
		return err
	}
	defer b.Close()

	err = b.Database.WithExclusiveLock(ctx, func() error {
		return b.Database.Migrate(ctx)
	})
	if err != nil {
		return err
	}
	return printVersion(b)
}

func handleMigrateVersion(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(args)

	b, err := openDatabaseBackend(ctx, *configPath)
	if err != nil {
		return err
	}
	defer b.Close()
	return printVersion(b)
}

func printVersion(b *backend.Backend) error {
	version, dirty, err := b.Database.MigrationVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if version == 0 {
		fmt.Println("Current migration version: none")
		return nil
	}
	fmt.Printf("Current migration version: %d\n", version)
	if dirty {
		fmt.Println("WARNING: the database is in a dirty state")
	}
	return nil
}
