package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/migadu/popd/helpers"
)

func handleDeliver(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deliver", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	user := fs.String("user", "", "Recipient user name (required)")
	file := fs.String("file", "-", "RFC 5322 message file, '-' reads standard input")
	fs.Usage = func() {
		fmt.Printf(`Store a message in a user's maildrop

Line endings are normalised to CRLF before the message is stored.

Usage:
  popd-admin deliver --user NAME [--file message.eml] [--config FILE]
`)
	}
	fs.Parse(args)

	if *user == "" {
		fs.Usage()
		return fmt.Errorf("--user is required")
	}

	var (
		body []byte
		err  error
	)
	if *file == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(*file)
	}
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	summary, err := helpers.ParseMessage(body)
	if err != nil {
		return fmt.Errorf("refusing to deliver: %w", err)
	}
	body = helpers.NormalizeCRLF(body)

	b, err := openBackend(ctx, *configPath)
	if err != nil {
		return err
	}
	defer b.Close()

	id, err := b.Store.Deliver(ctx, *user, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to deliver to %s: %w", *user, err)
	}
	fmt.Printf("Delivered %s (%d octets, subject %q)\n", id, len(body), summary.Subject)
	return nil
}
