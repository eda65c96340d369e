package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketd/internal/backfill"
	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store"
	"github.com/sawpanic/marketd/internal/upstream"
)

func backfillCmd(ctx context.Context) *cobra.Command {
	var (
		symbol    string
		timeframe string
		fromStr   string
		toStr     string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import historical candles without starting the live service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tf, err := market.ParseTimeframe(timeframe)
			if err != nil {
				return err
			}
			from, err := time.Parse(time.RFC3339, fromStr)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			var to time.Time
			if toStr != "" {
				if to, err = time.Parse(time.RFC3339, toStr); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}

			db, err := store.Open(cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			codec := market.NewCodec()
			rest := upstream.NewRESTClient(cfg.Upstream.RESTURL, codec,
				cfg.Backfill.RateLimit, cfg.Backfill.PageTimeout.Std())
			engine := backfill.NewEngine(store.NewOHLCVRepo(db), rest, nil, nil, cfg.Backfill.Retries)

			sym := market.Symbol(strings.ReplaceAll(symbol, "-", "/"))
			result := engine.Run(ctx, sym, tf, from.UTC(), to)
			if !result.Success {
				return fmt.Errorf("backfill failed: %s", result.Message)
			}
			log.Info().Int("candles", result.CandlesImported).Msg(result.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "canonical symbol, e.g. BTC/USD")
	cmd.Flags().StringVar(&timeframe, "timeframe", "1h", "candle timeframe (1m,5m,15m,1h,4h,1d)")
	cmd.Flags().StringVar(&fromStr, "from", "", "range start, RFC3339")
	cmd.Flags().StringVar(&toStr, "to", "", "range end, RFC3339 (default: now)")
	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("from")
	return cmd
}
