package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

type options struct {
	configPath string
	debug      bool
	port       int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "shairport-display",
		Short: "Show shairport-sync now-playing metadata in a browser",
		Long: `shairport-display subscribes to the MQTT metadata that shairport-sync
publishes (title, artist, album, cover art, volume, play state) and pushes it
to browsers over WebSocket. Playback buttons on the page are sent back to
shairport-sync on <topic>/remote.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to config.yaml")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging and request logs")
	cmd.Flags().IntVar(&opts.port, "port", 0, "override web_server.port")

	cmd.AddCommand(newVersionCmd(), newCheckConfigCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "shairport-display", version)
		},
	}
}

func newCheckConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate config.yaml and show what would be subscribed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			relay := NewRelay(RelayOptions{
				TopicRoot: cfg.MQTT.Topic,
				ShowCover: BuildTemplateData(cfg.WebUI).ShowCoverArt,
			})
			fmt.Fprintf(out, "config %s OK\n", opts.configPath)
			fmt.Fprintf(out, "broker: %s:%d (tls=%v)\n", cfg.MQTT.Host, cfg.MQTT.Port, cfg.MQTT.UseTLS)
			fmt.Fprintf(out, "web: http://%s\n", cfg.WebAddr())
			for _, topic := range relay.Topics() {
				fmt.Fprintf(out, "subscribe: %s\n", topic)
			}
			for _, name := range UnknownTrackMetadata(cfg.WebUI) {
				fmt.Fprintf(out, "warning: unknown track_metadata entry %q ignored\n", name)
			}
			return nil
		},
	}
}

func run(ctx context.Context, opts *options) error {
	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	if opts.port != 0 {
		cfg.WebServer.Port = opts.port
	}
	debug := opts.debug || cfg.WebServer.Debug

	logger, cleanup, err := newLogger(cfg.Logging, debug)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("Using config file", zap.String("path", opts.configPath), zap.String("topic", cfg.MQTT.Topic))
	for _, name := range UnknownTrackMetadata(cfg.WebUI) {
		logger.Warn("Ignoring unknown track_metadata entry", zap.String("name", name))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MQTT.Host == "" && cfg.MQTT.Discover {
		b, err := discoverBroker(ctx, logger)
		if err != nil {
			logger.Error("Broker discovery failed", zap.Error(err))
			return err
		}
		cfg.MQTT.Host, cfg.MQTT.Port = b.Host, b.Port
	}

	metrics := NewMetrics()
	hub := NewHub(logger, metrics, cfg.WebServer.AllowedOrigins)

	mqttClient, err := NewMQTTClient(cfg.MQTT, logger, metrics)
	if err != nil {
		return err
	}

	cover, err := DefaultCover()
	if err != nil {
		return err
	}
	logger.Debug("Loaded default cover image", zap.Int("bytes", len(cover)))

	relay := NewRelay(RelayOptions{
		TopicRoot:    cfg.MQTT.Topic,
		ShowCover:    BuildTemplateData(cfg.WebUI).ShowCoverArt,
		DefaultCover: cover,
		Emitter:      hub,
		Publisher:    mqttClient,
		Logger:       logger,
		Metrics:      metrics,
	})

	server, err := NewServer(cfg, relay, hub, mqttClient, metrics, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.WebAddr(),
		Handler:           server.Routes(debug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.WebServer.Advertise {
		withdraw, err := advertiseWebUI(instanceName(os.Hostname), cfg.WebServer.Port, cfg.MQTT.Topic, logger)
		if err != nil {
			logger.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer withdraw()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		err := mqttClient.Connect(gctx, relay.Topics(), relay.HandleMessage)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting webserver", zap.String("url", "http://"+cfg.WebAddr()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		mqttClient.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server failed", zap.Error(err))
		return err
	}
	return nil
}
