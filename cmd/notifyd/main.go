// Command notifyd runs the notification planning and delivery engine.
//
// Usage:
//
//	notifyd [--config path] [serve]
//	notifyd [--config path] plan <event-id>
//	notifyd [--config path] cancel <event-id> [reason]
//	notifyd [--config path] credential set <name>   (value read from stdin)
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nhle/notify-engine/internal/app"
	"github.com/nhle/notify-engine/internal/model"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "notifyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	defaultPath := os.Getenv("NOTIFYD_CONFIG")
	if defaultPath == "" {
		defaultPath = model.DefaultConfigPath()
	}
	configPath := flag.String("config", defaultPath, "path to the YAML configuration file")
	flag.Parse()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		log.Info("notifyd started")
		return a.Run(ctx)

	case "plan":
		if len(args) != 1 {
			return fmt.Errorf("usage: notifyd plan <event-id>")
		}
		plan, res, err := a.PlanEvent(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("plan source=%s entries=%d created=%d skipped=%d superseded=%d\n",
			plan.Source, len(plan.Entries), len(res.Created), res.Skipped, res.Superseded)
		for _, e := range plan.Entries {
			fmt.Printf("  %-5s %-6s T-%-8s at %s\n",
				e.Channel, e.Priority, e.Offset, e.TriggerAt.Format("2006-01-02 15:04 MST"))
		}
		return nil

	case "cancel":
		if len(args) < 1 {
			return fmt.Errorf("usage: notifyd cancel <event-id> [reason]")
		}
		reason := "cancelled by operator"
		if len(args) > 1 {
			reason = strings.Join(args[1:], " ")
		}
		n, err := a.CancelEvent(ctx, args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("cancelled %d jobs\n", n)
		return nil

	case "credential":
		if len(args) != 2 || args[0] != "set" {
			return fmt.Errorf("usage: notifyd credential set <name>")
		}
		value, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && value == "" {
			return fmt.Errorf("reading credential value from stdin: %w", err)
		}
		if err := a.SetCredential(ctx, args[1], strings.TrimRight(value, "\r\n")); err != nil {
			return err
		}
		fmt.Printf("credential %s stored\n", args[1])
		return nil
	}

	return fmt.Errorf("unknown command %q", cmd)
}
