package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lcx/oscroute/app"
	"github.com/lcx/oscroute/net"
)

func newSendCommand() *cobra.Command {
	var (
		to      string
		service string
		delay   time.Duration
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send ADDRESS [VALUE...]",
		Short: "Send one OSC message",
		Long: `Send one OSC message to every endpoint on the channel, to one endpoint
with --to, or to every instance of a discovered service with --service.
Values are sent as integers, floats or booleans when they parse as one;
prefix a value with "s:" to force a string.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runSend(ctx, args[0], parseValues(args[1:]), to, service, delay)
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Destination host:port instead of the whole channel")
	cmd.Flags().StringVar(&service, "service", "", "Send to every instance of this discovered service")
	cmd.Flags().DurationVar(&delay, "at", 0, "Ask the receiver to deliver after this delay")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Time allowed for resolving and sending")
	cmd.MarkFlagsMutuallyExclusive("to", "service")
	return cmd
}

func runSend(ctx context.Context, address string, values []any, to, service string, delay time.Duration) error {
	defer shutdown()

	cfg, err := loadAppConfig()
	if err != nil {
		return err
	}
	a, err := app.New("oscroute-send", nil, nil, app.WithConfig(cfg))
	if err != nil {
		return err
	}
	if err := a.Connect(cfg.Bind, cfg.SendPort, cfg.Transport); err != nil {
		return err
	}
	defer a.Close()

	var dst *net.Address
	if to != "" {
		addr, err := net.ParseAddress(to)
		if err != nil {
			return err
		}
		dst = &addr
	}

	switch {
	case service != "":
		err = a.SendToService(ctx, service, address, values...)
	case delay > 0:
		err = a.SendAt(time.Now().Add(delay), dst, address, values...)
	default:
		err = a.SendTo(dst, address, values...)
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", address, err)
	}
	return nil
}
