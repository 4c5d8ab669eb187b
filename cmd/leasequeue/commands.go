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
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/clock"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/config"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/consumer"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/metrics"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/queueclient"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/sweeper"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/transaction"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/transport"
	"github.com/deliveryhero/asya/asya-leasequeue/pkg/envelopes"
)

// app carries what every subcommand shares
type app struct {
	out       io.Writer
	clock     clock.Clock
	metrics   *metrics.Metrics
	newClient func(ctx context.Context, cfg *config.Config) (queueclient.Client, error)
}

func newApp(out io.Writer) *app {
	a := &app{
		out:     out,
		clock:   clock.System{},
		metrics: metrics.NewMetrics("asya_leasequeue"),
	}
	a.newClient = func(ctx context.Context, cfg *config.Config) (queueclient.Client, error) {
		return queueclient.New(ctx, cfg, a.clock)
	}
	return a
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "leasequeue",
		Short: "Peek-lock queue transport CLI",
		Long: `Operate the peek-lock queue transport from the command line.

Configuration is read from ASYA_* environment variables, optionally layered
on a YAML file named by --config or ASYA_CONFIG_FILE.

Commands:
  create    Create queues and their upcoming delay buckets
  send      Send a message, optionally delayed or scheduled
  receive   Lease messages from a queue and print them
  purge     Delete every visible message from a queue
  stats     Show approximate queue depth
  sweep     Move due messages out of delay buckets
  consume   Run a worker pool that logs and completes messages`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "YAML configuration file (overrides ASYA_CONFIG_FILE)")
	rootCmd.PersistentFlags().String("transport", "", "Queue backend: sqs, postgres or memory")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(
		a.newCreateCommand(),
		a.newSendCommand(),
		a.newReceiveCommand(),
		a.newPurgeCommand(),
		a.newStatsCommand(),
		a.newSweepCommand(),
		a.newConsumeCommand(),
	)
	return rootCmd
}

// loadConfig applies persistent flag overrides on top of the environment or file configuration
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	backend, _ := cmd.Flags().GetString("transport")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if backend != "" {
		cfg.Backend = backend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// withTransport builds a client and transport for inputQueue, empty meaning one-way,
// and releases both when fn returns
func (a *app) withTransport(cmd *cobra.Command, inputQueue string, fn func(*config.Config, queueclient.Client, *transport.Transport) error) error {
	ctx := cmd.Context()

	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	if inputQueue != "" {
		cfg.InputQueue = inputQueue
	}

	client, err := a.newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	opts := []transport.Option{transport.WithClock(a.clock), transport.WithMetrics(a.metrics)}
	var tr *transport.Transport
	if cfg.IsOneWay() {
		tr, err = transport.NewOneWayClient(cfg, client, opts...)
	} else {
		tr, err = transport.New(cfg, client, opts...)
	}
	if err != nil {
		return err
	}
	if err := tr.Initialize(ctx); err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	return fn(cfg, client, tr)
}

// serveMetrics exposes the metrics registry until ctx is done. No-op without --metrics-addr.
func (a *app) serveMetrics(ctx context.Context, cmd *cobra.Command) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *app) newCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <address>...",
		Short: "Create queues and the bucket queues of their upcoming delay slots",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTransport(cmd, "", func(_ *config.Config, _ queueclient.Client, tr *transport.Transport) error {
				for _, addr := range args {
					if err := tr.CreateQueue(cmd.Context(), addr); err != nil {
						return err
					}
					name, _ := tr.Resolver().Normalize(addr)
					_, _ = fmt.Fprintln(a.out, "created:", name)
				}
				return nil
			})
		},
	}
}

func (a *app) newSendCommand() *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send <address>",
		Short: "Send a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := cmd.Flags().GetString("body")
			bodyFile, _ := cmd.Flags().GetString("body-file")
			rawHeaders, _ := cmd.Flags().GetStringArray("header")
			delay, _ := cmd.Flags().GetDuration("delay")
			at, _ := cmd.Flags().GetString("at")

			headers, err := parseHeaders(rawHeaders)
			if err != nil {
				return err
			}
			if headers[envelopes.HeaderMessageID] == "" {
				headers[envelopes.HeaderMessageID] = uuid.NewString()
			}

			payload := []byte(body)
			if bodyFile != "" {
				if payload, err = os.ReadFile(bodyFile); err != nil {
					return fmt.Errorf("failed to read --body-file: %w", err)
				}
			}

			deliverAt, err := parseDeliverAt(a.clock.Now(), delay, at)
			if err != nil {
				return err
			}

			return a.withTransport(cmd, "", func(_ *config.Config, _ queueclient.Client, tr *transport.Transport) error {
				msg := transport.Message{Headers: headers, Body: payload}
				if err := tr.Send(cmd.Context(), args[0], msg, deliverAt); err != nil {
					return err
				}

				out := map[string]any{
					"status": "OK",
					"id":     headers[envelopes.HeaderMessageID],
				}
				if !deliverAt.IsZero() {
					out["deliverAt"] = envelopes.FormatTime(deliverAt)
				}
				return a.printJSON(out)
			})
		},
	}
	sendCmd.Flags().StringP("body", "b", "", "Message body")
	sendCmd.Flags().String("body-file", "", "Read the message body from a file")
	sendCmd.Flags().StringArrayP("header", "H", nil, "Header as key=value (repeatable)")
	sendCmd.Flags().Duration("delay", 0, "Deliver after this delay")
	sendCmd.Flags().String("at", "", "Deliver at this RFC3339 time")
	return sendCmd
}

func (a *app) newReceiveCommand() *cobra.Command {
	receiveCmd := &cobra.Command{
		Use:   "receive <address>",
		Short: "Lease messages and print them",
		Long: `Lease up to --count messages and print each as JSON.

Without --complete every message is abandoned after printing and becomes
visible again once its lease expires (at once with releaseOnRollback).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			complete, _ := cmd.Flags().GetBool("complete")

			return a.withTransport(cmd, args[0], func(_ *config.Config, _ queueclient.Client, tr *transport.Transport) error {
				ctx := cmd.Context()
				for i := 0; i < count; i++ {
					done, err := a.receiveOne(ctx, tr, complete)
					if err != nil {
						return err
					}
					if done {
						break
					}
				}
				return nil
			})
		},
	}
	receiveCmd.Flags().IntP("count", "n", 1, "Maximum number of messages to receive")
	receiveCmd.Flags().Bool("complete", false, "Delete messages after printing them")
	return receiveCmd
}

// receiveOne prints one message and settles it. Reports true when the queue is empty.
func (a *app) receiveOne(ctx context.Context, tr *transport.Transport, complete bool) (bool, error) {
	tx := transaction.New()
	defer tx.Dispose(ctx)

	msg, err := tr.Receive(ctx, tx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		_, _ = fmt.Fprintln(a.out, "no messages")
		return true, nil
	}

	if err := a.printJSON(describeMessage(msg)); err != nil {
		return false, err
	}
	if complete {
		return false, tx.Complete(ctx)
	}
	return false, tx.Abort(ctx)
}

func (a *app) newPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <address>",
		Short: "Delete every visible message from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTransport(cmd, args[0], func(_ *config.Config, _ queueclient.Client, tr *transport.Transport) error {
				n, err := tr.PurgeInputQueue(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(map[string]any{"queue": tr.Address(), "purged": n})
			})
		},
	}
}

func (a *app) newStatsCommand() *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats [address]...",
		Short: "Show approximate queue depth",
		Long: `Show approximate queue depth for the given queues, or for every queue
whose name starts with --prefix when no address is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")

			return a.withTransport(cmd, "", func(_ *config.Config, client queueclient.Client, tr *transport.Transport) error {
				ctx := cmd.Context()

				names := make([]string, 0, len(args))
				for _, addr := range args {
					name, err := tr.Resolver().Normalize(addr)
					if err != nil {
						return err
					}
					names = append(names, name)
				}
				if len(names) == 0 {
					listed, err := client.ListQueues(ctx, prefix)
					if err != nil {
						return err
					}
					names = listed
				}

				out := make([]map[string]any, 0, len(names))
				for _, name := range names {
					stats, err := client.Stats(ctx, name)
					if err != nil {
						return fmt.Errorf("queue %s: %w", name, err)
					}
					out = append(out, map[string]any{
						"queue":    name,
						"queued":   stats.Queued,
						"inFlight": stats.InFlight,
					})
				}
				return a.printJSON(out)
			})
		},
	}
	statsCmd.Flags().String("prefix", "", "List queues starting with this prefix")
	return statsCmd
}

func (a *app) newSweepCommand() *cobra.Command {
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Move due messages from delay buckets to their destination",
		RunE: func(cmd *cobra.Command, _ []string) error {
			once, _ := cmd.Flags().GetBool("once")
			prefix, _ := cmd.Flags().GetString("prefix")

			return a.withTransport(cmd, "", func(cfg *config.Config, client queueclient.Client, tr *transport.Transport) error {
				ctx := cmd.Context()
				sw := sweeper.New(client, tr.Resolver(), sweeper.Config{
					Interval:   cfg.SweepInterval,
					Visibility: cfg.VisibilityTimeout,
					ErrorQueue: tr.ErrorQueue(),
					Prefix:     prefix,
					AutoCreate: cfg.AutoCreate,
				}, a.clock, a.metrics)

				if once {
					result, err := sw.SweepOnce(ctx)
					if err != nil {
						return err
					}
					return a.printJSON(map[string]any{
						"moved":          result.Moved,
						"deadLettered":   result.DeadLettered,
						"bucketsDeleted": result.BucketsDeleted,
					})
				}

				a.serveMetrics(ctx, cmd)
				return sw.Run(ctx)
			})
		},
	}
	sweepCmd.Flags().Bool("once", false, "Run a single sweep and print the result")
	sweepCmd.Flags().String("prefix", "", "Only sweep bucket queues starting with this prefix")
	return sweepCmd
}

func (a *app) newConsumeCommand() *cobra.Command {
	consumeCmd := &cobra.Command{
		Use:   "consume <address>",
		Short: "Run a worker pool that logs and completes every message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, _ := cmd.Flags().GetInt("workers")
			printBodies, _ := cmd.Flags().GetBool("print")

			return a.withTransport(cmd, args[0], func(cfg *config.Config, _ queueclient.Client, tr *transport.Transport) error {
				ctx := cmd.Context()
				a.serveMetrics(ctx, cmd)

				handler := func(ctx context.Context, msg *transport.ReceivedMessage) error {
					slog.Info("Consumed message",
						"queue", msg.Queue,
						"msgId", msg.MessageID(),
						"dequeueCount", msg.DequeueCount,
						"bytes", len(msg.Body))
					if printBodies {
						return a.printJSON(describeMessage(msg))
					}
					return nil
				}

				c := consumer.New(tr, handler, consumer.Options{
					Workers:         workers,
					MaxDequeueCount: cfg.MaxDequeueCount,
				})
				return c.Run(ctx)
			})
		},
	}
	consumeCmd.Flags().Int("workers", 1, "Concurrent receive loops")
	consumeCmd.Flags().Bool("print", false, "Print every consumed message as JSON")
	return consumeCmd
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseHeaders turns key=value flags into a header map
func parseHeaders(raw []string) (map[string]string, error) {
	headers := map[string]string{}
	for _, hv := range raw {
		if hv == "" {
			continue
		}
		parts := strings.SplitN(hv, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("invalid --header, expected key=value: %s", hv)
		}
		headers[strings.TrimSpace(parts[0])] = parts[1]
	}
	return headers, nil
}

// parseDeliverAt returns the zero time for immediate delivery
func parseDeliverAt(now time.Time, delay time.Duration, at string) (time.Time, error) {
	if delay != 0 && at != "" {
		return time.Time{}, fmt.Errorf("--delay and --at are mutually exclusive")
	}
	if delay < 0 {
		return time.Time{}, fmt.Errorf("--delay cannot be negative, got %s", delay)
	}
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at: %w", err)
		}
		return t, nil
	}
	if delay > 0 {
		return now.Add(delay), nil
	}
	return time.Time{}, nil
}

// describeMessage renders a received message with a text body when it is valid UTF-8
func describeMessage(msg *transport.ReceivedMessage) map[string]any {
	out := map[string]any{
		"id":           msg.MessageID(),
		"queue":        msg.Queue,
		"dequeueCount": msg.DequeueCount,
		"expiresAt":    envelopes.FormatTime(msg.ExpiresAt),
		"headers":      msg.Headers,
	}
	if utf8.Valid(msg.Body) {
		out["body"] = string(msg.Body)
	} else {
		out["bodyBase64"] = msg.Body
	}
	return out
}
