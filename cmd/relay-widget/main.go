// ABOUTME: Terminal visitor client for relay-gateway
// ABOUTME: Reads lines from stdin into the durable outbox and prints the live transcript

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/outbox"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/widget"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to widget.toml")
	flag.Parse()

	cfg, err := Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, cfg *Config, in io.Reader) error {
	level := slog.LevelWarn
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st, err := outbox.NewSQLiteStore(cfg.OutboxPath())
	if err != nil {
		return fmt.Errorf("opening outbox: %w", err)
	}
	defer st.Close()

	agentColor := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	red := color.New(color.FgRed)

	client, err := widget.New(st, widget.Options{
		ServerURL: cfg.ServerURL,
		OrgID:     cfg.OrgID,
		PageURL:   cfg.PageURL,
		Logger:    logger,
		OnMessage: func(m protocol.MessageView) {
			if m.SenderType == string(store.SenderAgent) {
				name := m.SenderName
				if name == "" {
					name = "agent"
				}
				agentColor.Printf("%s: ", name)
				fmt.Println(m.Content)
			}
		},
		OnTyping: func(active bool) {
			if active {
				gray.Println("  (typing...)")
			}
		},
		OnError: func(_, reason string) {
			red.Printf("  [not delivered] %s\n", reason)
		},
	})
	if err != nil {
		return err
	}

	pending, err := client.Outbox().Pending(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("relay-widget connecting to %s\n", cfg.ServerURL)
	if len(pending) > 0 {
		gray.Printf("%d message(s) waiting from a previous session\n", len(pending))
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(runCtx)
	}()

	err = readLoop(ctx, client, in)
	stop()
	<-done
	return err
}

func readLoop(ctx context.Context, client *widget.Client, in io.Reader) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		switch {
		case input == "/quit" || input == "/exit" || input == "/q":
			return nil
		case input == "/help":
			printHelp()
		case input == "/pending":
			printPending(ctx, client)
		case strings.HasPrefix(input, "/name "):
			identify(client, strings.TrimSpace(strings.TrimPrefix(input, "/name ")), "")
		case strings.HasPrefix(input, "/email "):
			identify(client, "", strings.TrimSpace(strings.TrimPrefix(input, "/email ")))
		default:
			if _, err := client.Send(ctx, input); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
		}
	}
}

func identify(client *widget.Client, name, email string) {
	if err := client.Identify(name, email); err != nil {
		fmt.Printf("[error] %v (try again once connected)\n", err)
		return
	}
	fmt.Println("Saved.")
}

func printPending(ctx context.Context, client *widget.Client) {
	entries, err := client.Outbox().Pending(ctx)
	if err != nil {
		fmt.Printf("[error] %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Everything delivered.")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("  %s  %q  attempts=%d", e.CreatedAt.Local().Format("15:04:05"), e.Content, e.Attempts)
		if e.LastError != "" {
			line += "  last_error=" + e.LastError
		}
		fmt.Println(line)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /name NAME    Tell the team your name")
	fmt.Println("  /email ADDR   Get replies by email when you are away")
	fmt.Println("  /pending      Show messages not yet delivered")
	fmt.Println("  /quit         Exit (undelivered messages are kept)")
}
