package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/websteadhq/webstead/activitypub"
	"github.com/websteadhq/webstead/db"
	"github.com/websteadhq/webstead/util"
	"github.com/websteadhq/webstead/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   util.Name,
		Short: "ActivityPub federation for self-hosted websteads",
		Long: `Serves the federation endpoints of every webstead on this host:
actor documents, webfinger, inbox, outbox and RSS. Published posts are
delivered to followers through a persistent retrying queue.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		serveCmd(),
		websteadCmd(),
		postCmd(),
		followersCmd(),
		deliveriesCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := util.ReadConf(configFile)
			if err != nil {
				return err
			}
			if port != 0 {
				conf.Conf.HttpPort = port
			}

			logger, err := util.NewLogger(conf)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer logger.Sync()

			logger.Info("Configuration loaded",
				zap.String("source", conf.Source),
				zap.String("env", conf.Conf.Env),
				zap.String("baseDomain", conf.Conf.BaseDomain),
				zap.String("version", util.GetVersion()))

			if conf.IsProduction() {
				gin.SetMode(gin.ReleaseMode)
			}

			return serve(cmd.Context(), conf, logger)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides config)")
	return cmd
}

func serve(parent context.Context, conf *util.AppConfig, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(util.ResolveDataPath(conf.Conf.Database), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	fed := activitypub.New(store, conf, logger, registry)
	router := web.NewRouter(conf, store, fed, logger, registry)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fed.Run(ctx) })
	g.Go(func() error { return web.Serve(ctx, conf, router, logger) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("Stopped")
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(util.GetNameAndVersion())
		},
	}
}
