package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/migadu/popd/pkg/passwd"
)

func handleAddUser(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-user", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	user := fs.String("user", "", "User name (required)")
	password := fs.String("password", "", "Password (required)")
	scheme := fs.String("scheme", passwd.SchemeBcrypt, "Password hash scheme: BLF-CRYPT, SSHA512, SHA512 or PLAIN")
	fs.Usage = func() {
		fmt.Printf(`Create a user or replace its password

Usage:
  popd-admin add-user --user NAME --password PASSWORD [--scheme SCHEME] [--config FILE]
`)
	}
	fs.Parse(args)

	if *user == "" || *password == "" {
		fs.Usage()
		return fmt.Errorf("--user and --password are required")
	}

	hash, err := passwd.Hash(*scheme, *password)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, *configPath)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Store.SetUser(ctx, *user, hash); err != nil {
		return fmt.Errorf("failed to set user %s: %w", *user, err)
	}
	fmt.Printf("User %s saved\n", *user)
	return nil
}

func handleList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	user := fs.String("user", "", "User name (required)")
	fs.Parse(args)

	if *user == "" {
		return fmt.Errorf("--user is required")
	}

	b, err := openBackend(ctx, *configPath)
	if err != nil {
		return err
	}
	defer b.Close()

	entries, err := b.Store.List(ctx, *user)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tSIZE")
	var total int64
	for i, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%d\n", i+1, e.ID, e.Size)
		total += e.Size
	}
	w.Flush()
	fmt.Printf("%d messages, %d octets\n", len(entries), total)
	return nil
}

func handleStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(args)

	b, err := openBackend(ctx, *configPath)
	if err != nil {
		return err
	}
	defer b.Close()

	stats, err := b.Store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Users:    %d\nMessages: %d\nBytes:    %d\n", stats.Users, stats.Messages, stats.Bytes)
	if b.CacheStats != nil {
		objects, size, err := b.CacheStats.GetStats()
		if err == nil {
			fmt.Printf("Cache:    %d objects, %d bytes\n", objects, size)
		}
	}
	return nil
}
