package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/interceptors"
	"github.com/glimte/mmate-relay/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	url         string
	service     string
	ttl         time.Duration
	cloudEvents bool
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish, listen and request over a relay channel",
		Long: `relay talks to other relay instances over Redis, RabbitMQ, PostgreSQL or an
in-process transport. The transport is picked from the --url scheme.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "redis://localhost:6379/0", "Broker connection URL")
	rootCmd.PersistentFlags().StringVar(&flags.service, "service", "relay-cli", "Service name used in logs and CloudEvents sources")
	rootCmd.PersistentFlags().DurationVar(&flags.ttl, "ttl", messaging.DefaultCallbackTTL, "How long reply handlers stay registered")
	rootCmd.PersistentFlags().BoolVar(&flags.cloudEvents, "cloudevents", false, "Encode packets as CloudEvents")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		newPublishCmd(flags),
		newRequestCmd(flags),
		newListenCmd(flags),
		newHealthCmd(flags),
	)
	return rootCmd
}

func newLogger(cmd *cobra.Command, flags *globalFlags) *slog.Logger {
	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func newClient(cmd *cobra.Command, flags *globalFlags) (*relay.Client, error) {
	options := []relay.ClientOption{
		relay.WithLogger(newLogger(cmd, flags)),
		relay.WithServiceName(flags.service),
		relay.WithMessengerOptions(messaging.WithCallbackTTL(flags.ttl)),
	}
	if flags.cloudEvents {
		options = append(options, relay.WithCloudEvents())
	}

	client, err := relay.NewClient(flags.url, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// parseData turns the --data flag into a payload. Empty means no payload.
func parseData(data string) (any, error) {
	if data == "" {
		return nil, nil
	}
	if !json.Valid([]byte(data)) {
		return nil, fmt.Errorf("--data must be valid JSON: %s", data)
	}
	return json.RawMessage(data), nil
}

func printPayload(w io.Writer, prefix, channel string, p *messaging.Payload) {
	if p.Empty() {
		fmt.Fprintf(w, "%s %s %s\n", prefix, channel, p.Event())
		return
	}
	fmt.Fprintf(w, "%s %s %s %s\n", prefix, channel, p.Event(), p.Raw())
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		channel  string
		event    string
		data     string
		skipSelf bool
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an event",
		Long:  "Publish an event on a channel. With --wait, replies are printed until the wait is over.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseData(data)
			if err != nil {
				return err
			}

			client, err := newClient(cmd, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var options []messaging.PublishOption
			if skipSelf {
				options = append(options, messaging.WithSkipSelf())
			}
			if wait > 0 {
				options = append(options, messaging.WithReply(func(_ context.Context, channel string, p *messaging.Payload) error {
					printPayload(cmd.OutOrStdout(), "reply", channel, p)
					return nil
				}))
			}

			n, err := client.Publish(ctx, channel, event, payload, options...)
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			if n == messaging.ReceiversUnknown {
				fmt.Fprintln(cmd.OutOrStdout(), "published (receivers unknown)")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "published to %d receiver(s)\n", n)
			}

			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&channel, "channel", "c", "", "Channel to publish on")
	cmd.Flags().StringVarP(&event, "event", "e", "", "Event name")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload")
	cmd.Flags().BoolVar(&skipSelf, "skip-self", false, "Hide the packet from this instance's own listeners")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Print replies for this long after publishing")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("event")

	return cmd
}

func newRequestCmd(flags *globalFlags) *cobra.Command {
	var (
		channel string
		event   string
		data    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Publish an event and print the first reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseData(data)
			if err != nil {
				return err
			}

			client, err := newClient(cmd, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			reply, err := client.Request(ctx, channel, event, payload, messaging.WithSkipSelf())
			if err != nil {
				return fmt.Errorf("no reply: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", reply.Raw())
			return nil
		},
	}

	cmd.Flags().StringVarP(&channel, "channel", "c", "", "Channel to publish on")
	cmd.Flags().StringVarP(&event, "event", "e", "", "Event name")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "How long to wait for a reply")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("event")

	return cmd
}

func newListenCmd(flags *globalFlags) *cobra.Command {
	var (
		channels   []string
		events     []string
		pattern    bool
		reply      string
		healthAddr string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print events received on channels or patterns",
		Long:  "Listen for events and print them. With --reply, every event that expects a reply is answered with the given JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			answer, err := parseData(reply)
			if err != nil {
				return err
			}

			client, err := newClient(cmd, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			chain := interceptors.NewChainBuilder(newLogger(cmd, flags)).
				WithLogging().
				WithTimeout(timeout).
				Build()

			out := cmd.OutOrStdout()
			handler := func(ctx context.Context, channel string, p *messaging.Payload, r *messaging.Reply) error {
				printPayload(out, "event", channel, p)
				if answer == nil {
					return nil
				}
				if err := r.Send(ctx, answer); err != nil && !errors.Is(err, messaging.ErrNoReplyExpected) {
					return err
				}
				return nil
			}

			bindings := make([]messaging.Binding, 0, len(events))
			for _, event := range events {
				bindings = append(bindings, messaging.Binding{
					Targets: channels,
					Pattern: pattern,
					Event:   event,
					Handler: chain.Then(handler),
				})
			}
			if err := client.Bind(bindings...); err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			if healthAddr != "" {
				server := &http.Server{
					Addr:              healthAddr,
					Handler:           health.NewHandler(client.Health(), 5*time.Second),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintf(cmd.ErrOrStderr(), "health server: %v\n", err)
					}
				}()
				defer server.Close()
			}

			fmt.Fprintf(out, "listening on %v for %v... Press Ctrl+C to stop\n", channels, events)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&channels, "channel", "c", nil, "Channels, or patterns with --pattern")
	cmd.Flags().StringSliceVarP(&events, "event", "e", nil, "Event names to listen for")
	cmd.Flags().BoolVarP(&pattern, "pattern", "p", false, "Treat --channel values as glob patterns")
	cmd.Flags().StringVarP(&reply, "reply", "r", "", "JSON payload to reply with")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "How long a single event may take to handle")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve health checks on this address, e.g. :8081")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("event")

	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the broker is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report := client.Health().Check(ctx)

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return err
			}

			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Health check timeout")
	return cmd
}
