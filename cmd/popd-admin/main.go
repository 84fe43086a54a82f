package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/popd/backend"
	"github.com/migadu/popd/config"
	"github.com/migadu/popd/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	var err error
	switch command {
	case "migrate":
		err = handleMigrateCommand(ctx, os.Args[2:])
	case "add-user":
		err = handleAddUser(ctx, os.Args[2:])
	case "deliver":
		err = handleDeliver(ctx, os.Args[2:])
	case "list":
		err = handleList(ctx, os.Args[2:])
	case "stats":
		err = handleStats(ctx, os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`popd Admin Tool

Usage:
  popd-admin <command> [options]

Commands:
  migrate    Manage the database schema (up, version)
  add-user   Create a user or replace its password
  deliver    Store a message in a user's maildrop
  list       List the messages in a user's maildrop
  stats      Show user, message and byte totals
  help       Show this help message

Examples:
  popd-admin migrate up --config /etc/popd/config.toml
  popd-admin add-user --user alice --password secret
  popd-admin deliver --user alice --file message.eml
  popd-admin list --user alice

Use 'popd-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the TOML file on top of the defaults. A missing default
// file is not an error.
func loadConfig(configPath string) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || configPath != "config.toml" {
			return nil, fmt.Errorf("failed to load configuration %s: %w", configPath, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Logging.Output = "stderr"
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func openBackend(ctx context.Context, configPath string) (*backend.Backend, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return backend.Open(ctx, cfg)
}
