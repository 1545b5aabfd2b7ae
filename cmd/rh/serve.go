package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/roundhouse/internal/bus"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/notify"
	"github.com/zulandar/roundhouse/internal/provider"
	hclouddriver "github.com/zulandar/roundhouse/internal/provider/hcloud"
	"github.com/zulandar/roundhouse/internal/provider/mock"
	"github.com/zulandar/roundhouse/internal/scheduler"
	"github.com/zulandar/roundhouse/internal/workerapi"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long:  "Starts the job loops, the command-bus consumer, and the worker API, and blocks until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "roundhouse.yaml", "path to Roundhouse config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if err := promptHcloudToken(cmd, cfg); err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	registry := provider.NewRegistry()
	if cfg.Providers.Mock.Enabled {
		registry.Register(mock.New(gormDB, cfg.Providers.Mock.Zones))
	}
	if cfg.Providers.Hcloud.Enabled {
		driver, err := hclouddriver.New(cfg.Providers.Hcloud.Token, cfg.Providers.Hcloud.Image, cfg.Providers.Hcloud.Label)
		if err != nil {
			return err
		}
		registry.Register(driver)
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}
	defer notifier.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(gormDB, cfg, registry, notifier, log)
	consumer := bus.NewConsumer(rdb, cfg.Redis.Channel, log)
	sched.RegisterHandlers(consumer)

	errCh := make(chan error, 3)
	go func() {
		errCh <- sched.Run(ctx)
	}()
	go func() {
		errCh <- consumer.Run(ctx)
	}()
	go func() {
		errCh <- workerapi.Start(ctx, workerapi.StartOpts{DB: gormDB, Cfg: cfg, Log: log})
	}()

	log.Info().
		Str("providers", strings.Join(registry.Names(), ",")).
		Str("api", cfg.API.Addr).
		Msg("roundhouse started")

	err = <-errCh
	stop()
	if err != nil && ctx.Err() == nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Roundhouse stopped.")
	return nil
}

// promptHcloudToken asks for the API token interactively when hcloud is
// enabled but the config left the token empty, so the secret never has to
// live in a file.
func promptHcloudToken(cmd *cobra.Command, cfg *config.Config) error {
	if !cfg.Providers.Hcloud.Enabled || cfg.Providers.Hcloud.Token != "" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("providers.hcloud.token is empty and stdin is not a terminal")
	}
	fmt.Fprint(cmd.OutOrStdout(), "Hetzner Cloud API token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return fmt.Errorf("empty token")
	}
	cfg.Providers.Hcloud.Token = token
	return nil
}

func buildNotifier(cfg *config.Config) (*notify.Multi, error) {
	var sinks []notify.Notifier
	if cfg.Alerts.SlackWebhookURL != "" {
		sinks = append(sinks, notify.NewSlack(cfg.Alerts.SlackWebhookURL))
	}
	if cfg.Alerts.DiscordBotToken != "" && cfg.Alerts.DiscordChannelID != "" {
		discord, err := notify.NewDiscord(cfg.Alerts.DiscordBotToken, cfg.Alerts.DiscordChannelID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, discord)
	}
	return notify.NewMulti(sinks...), nil
}
