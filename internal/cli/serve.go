package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/EngagePipe/internal/api"
	"github.com/BTreeMap/EngagePipe/internal/config"
	"github.com/BTreeMap/EngagePipe/internal/genai"
	"github.com/BTreeMap/EngagePipe/internal/lockfile"
	"github.com/BTreeMap/EngagePipe/internal/messaging"
	"github.com/BTreeMap/EngagePipe/internal/scheduler"
	"github.com/BTreeMap/EngagePipe/internal/store"
	"github.com/BTreeMap/EngagePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/EngagePipe/internal/whatsapp"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr      string
	Channel   string
	Scheduler bool
	Outbox    bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, sweep scheduler and outbox sender",
		Long: `Run the engagement service.

The API accepts classified inbound events. When enabled, the scheduler
sweeps for inactive users, expired goodbyes and due reminders on its cron
cadence, and the outbox sender delivers queued goodbye messages over the
configured channel.

Only one scheduler may run per state directory; start additional API-only
replicas with --scheduler=false --outbox=false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "API listen address (overrides $API_ADDR)")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "delivery channel: log, twilio or whatsapp")
	cmd.Flags().BoolVar(&opts.Scheduler, "scheduler", true, "run the sweep scheduler")
	cmd.Flags().BoolVar(&opts.Outbox, "outbox", true, "run the outbox sender")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg := opts.Config
	if opts.Addr != "" {
		cfg.API.Addr = opts.Addr
	}
	if opts.Channel != "" {
		cfg.Messaging.Channel = opts.Channel
	}
	if cmd.Flags().Changed("scheduler") {
		cfg.Scheduler.Enabled = opts.Scheduler
	}
	if cmd.Flags().Changed("outbox") {
		cfg.Outbox.Enabled = opts.Outbox
	}

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping EngagePipe",
		"version", Version,
		"addr", cfg.API.Addr,
		"channel", cfg.Messaging.Channel,
		"scheduler", cfg.Scheduler.Enabled,
		"outbox", cfg.Outbox.Enabled)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Scheduler.Enabled {
		lock, err := lockfile.AcquireLock(cfg.StateDir, "scheduler")
		if err != nil {
			return err
		}
		defer lock.Release()

		sched := scheduler.NewScheduler()
		defer sched.Stop()
		if err := sched.AddJob(cfg.Scheduler.Cron, rt.sweeper.Job(gctx)); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", cfg.Scheduler.Cron, err)
		}
		slog.Info("Serve: sweep scheduled", "cron", cfg.Scheduler.Cron, "workers", cfg.Scheduler.Workers)
	}

	if cfg.Outbox.Enabled {
		svc, err := newMessagingService(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := svc.Stop(); err != nil {
				slog.Warn("Serve: messaging service stop failed", "error", err)
			}
		}()
		composer, err := newComposer(cfg)
		if err != nil {
			return err
		}

		sender := store.NewOutboxSender(rt.store, messaging.NewOutboxSendFunc(svc, composer),
			cfg.Outbox.PollInterval, store.WithClaimLimit(cfg.Outbox.ClaimLimit))
		if err := sender.RecoverStaleMessages(gctx); err != nil {
			slog.Error("Serve: stale outbox recovery failed", "error", err)
		}
		g.Go(func() error {
			sender.Run(gctx)
			return nil
		})
	}

	server := newAPIServer(cfg, rt)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.API.Addr)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("EngagePipe exited successfully")
	return nil
}

// newAPIServer exposes the sweep endpoint only on the process that holds the
// scheduler lock.
func newAPIServer(cfg config.Config, rt *runtime) *api.Server {
	opts := []api.Option{api.WithVersion(VersionString())}
	if cfg.Scheduler.Enabled {
		opts = append(opts, api.WithSweeper(rt.sweeper))
	}
	return api.NewServer(rt.store, rt.engine, opts...)
}

// newMessagingService builds the delivery channel named in cfg.
func newMessagingService(cfg config.Config) (messaging.Service, error) {
	switch cfg.Messaging.Channel {
	case config.ChannelTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.Messaging.Twilio.AccountSID),
			twiliowhatsapp.WithAuthToken(cfg.Messaging.Twilio.AuthToken),
			twiliowhatsapp.WithFromWhats(cfg.Messaging.Twilio.From),
		)
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case config.ChannelWhatsApp:
		var waOpts []whatsapp.Option
		if cfg.Messaging.WhatsApp.DSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(cfg.Messaging.WhatsApp.DSN))
		}
		if cfg.Messaging.WhatsApp.QRPath != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.Messaging.WhatsApp.QRPath))
		}
		if cfg.Messaging.WhatsApp.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return messaging.NewLogService(slog.Default()), nil
	}
}

// newComposer uses the model when an API key is configured and static text
// otherwise.
func newComposer(cfg config.Config) (*genai.Composer, error) {
	if cfg.GenAI.APIKey == "" {
		slog.Info("Serve: no OpenAI API key, goodbye messages use static text")
		return genai.NewComposer(nil), nil
	}
	genaiOpts := []genai.Option{
		genai.WithAPIKey(cfg.GenAI.APIKey),
		genai.WithTemperature(cfg.GenAI.Temperature),
		genai.WithMaxTokens(cfg.GenAI.MaxTokens),
		genai.WithDebug(cfg.GenAI.Debug, cfg.StateDir),
	}
	if cfg.GenAI.Model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.GenAI.Model))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return genai.NewComposer(client), nil
}
