// Command orderrelay runs the order relay service and offers small helpers
// to read from and send to relay channels.
//
// Usage:
//
//	orderrelay [serve]
//	orderrelay read [-channel readytoship] [-timeout 1s]
//	orderrelay send -channel orderrequests -payload '{"id":1,...}'
//
// Configuration is read from ORDERRELAY_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drblury/orderrelay"
	_ "github.com/drblury/orderrelay/transport/transports"
)

const exitNoMessage = 1

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := orderrelay.ConfigFromEnv(nil)
	if err != nil {
		fmt.Fprintf(stderr, "orderrelay: %v\n", err)
		return 2
	}
	logger := orderrelay.NewJSONServiceLogger(stderr, cfg.LogLevel)

	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "read":
		var found bool
		found, err = read(ctx, cfg, logger, args, stdout)
		if err == nil && !found {
			return exitNoMessage
		}
	case "send":
		err = send(ctx, cfg, logger, args, stdout)
	default:
		fmt.Fprintf(stderr, "orderrelay: unknown command %q (want serve, read or send)\n", cmd)
		return 2
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		logger.Error("Command failed", err, orderrelay.LogFields{"command": cmd})
		return 2
	}
	return 0
}

func serve(ctx context.Context, cfg *orderrelay.Config, logger orderrelay.ServiceLogger) error {
	svc, err := orderrelay.NewService(ctx, cfg, logger, orderrelay.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
}

func read(ctx context.Context, cfg *orderrelay.Config, logger orderrelay.ServiceLogger, args []string, stdout io.Writer) (bool, error) {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	channel := fs.String("channel", cfg.OutputQueue, "channel to read from")
	timeout := fs.Duration("timeout", cfg.ReadTimeout, "maximum time to wait for a message")
	if err := fs.Parse(args); err != nil {
		return false, err
	}

	cfg.APIAddress = ""
	svc, err := orderrelay.NewService(ctx, cfg, logger, orderrelay.ServiceDependencies{})
	if err != nil {
		return false, err
	}
	defer svc.Close()

	r, err := svc.OpenReceiver(ctx, *channel)
	if err != nil {
		return false, err
	}
	defer r.Close()

	payload, ok := r.ReadMessage(*timeout)
	if !ok {
		logger.Info("No message received", orderrelay.LogFields{"channel": *channel, "timeout": timeout.String()})
		return false, nil
	}
	fmt.Fprintln(stdout, payload)
	return true, nil
}

func send(ctx context.Context, cfg *orderrelay.Config, logger orderrelay.ServiceLogger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	channel := fs.String("channel", cfg.InputQueue, "channel to send to")
	payload := fs.String("payload", "", "message payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *payload == "" {
		return errors.New("-payload is required")
	}

	cfg.APIAddress = ""
	svc, err := orderrelay.NewService(ctx, cfg, logger, orderrelay.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	pub, err := svc.OpenPublisher(*channel)
	if err != nil {
		return err
	}
	defer pub.Close()

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	correlationID, err := pub.SendString(sendCtx, *payload)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, correlationID)
	return nil
}
