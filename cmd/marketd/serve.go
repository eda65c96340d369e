package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketd/internal/api"
	"github.com/sawpanic/marketd/internal/config"
	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/service"
	"github.com/sawpanic/marketd/internal/store"
	"github.com/sawpanic/marketd/internal/upstream"
)

func serveCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the market-data service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	db, err := store.Open(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := store.NewOHLCVRepo(db)

	var qcache service.QueryCache
	if cfg.Redis.Addr != "" {
		redisClient := store.OpenRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer redisClient.Close()
		qcache = store.NewQueryCache(redisClient, cfg.QueryCache.TTL.Std())
	}

	codec := market.NewCodec()
	rest := upstream.NewRESTClient(cfg.Upstream.RESTURL, codec,
		cfg.Backfill.RateLimit, cfg.Backfill.PageTimeout.Std())

	svc := service.New(cfg, repo, qcache, rest, nil)
	svc.Start(ctx)
	defer svc.Shutdown()

	server := api.NewServer(cfg.HTTP.Addr, svc)
	go server.Hub().Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
