package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/stratlab-hq/stratlab/internal/backtest"
	"github.com/stratlab-hq/stratlab/internal/config"
	"github.com/stratlab-hq/stratlab/internal/datasource"
	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/market"
	"github.com/stratlab-hq/stratlab/internal/montecarlo"
	"github.com/stratlab-hq/stratlab/internal/server"
	"github.com/stratlab-hq/stratlab/internal/store"
	"github.com/stratlab-hq/stratlab/internal/types"
	"github.com/urfave/cli/v3"
)

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if path := cmd.String("config"); path != "" {
		return config.Load(path)
	}

	return config.Default(), nil
}

// buildSource assembles the candle provider: local DuckDB cache, backed by
// Polygon when an API key is configured. The local store is returned
// alongside the provider for callers that inspect the cache directly.
func buildSource(cfg *config.Config, log *logger.Logger) (datasource.Provider, *datasource.DuckDBSource, func(), error) {
	local, err := datasource.NewDuckDBSource(cfg.Data.CandlePath, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open candle store: %w", err)
	}

	closer := func() { local.Close() }

	apiKey := cfg.Data.PolygonAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("POLYGON_API_KEY")
	}

	if apiKey == "" {
		return local, local, closer, nil
	}

	remote, err := datasource.NewPolygonProvider(apiKey)
	if err != nil {
		local.Close()

		return nil, nil, nil, err
	}

	return datasource.NewCachedProvider(remote, local, log), local, closer, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.NewStore(cfg.Data.StorePath, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	source, _, closeSource, err := buildSource(cfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	srv := server.New(cfg, st, source, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func backtestAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	code, err := os.ReadFile(cmd.String("strategy"))
	if err != nil {
		return fmt.Errorf("failed to read strategy file: %w", err)
	}

	source, _, closeSource, err := buildSource(cfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	symbols := cmd.StringSlice("symbol")
	bar := progressbar.NewOptions(len(symbols),
		progressbar.OptionSetDescription("Running backtest"),
		progressbar.OptionShowCount(),
	)

	driver := backtest.NewDriver(source, log,
		backtest.WithWorkers(cfg.Engine.Workers),
		backtest.WithProgress(func() { _ = bar.Add(1) }),
	)

	record, err := driver.Run(ctx, backtest.Request{
		Strategy: types.StrategySource{
			Name: cmd.String("strategy"),
			Code: string(code),
		},
		Symbols:   symbols,
		StartDate: cmd.Timestamp("start").Format("2006-01-02"),
		EndDate:   cmd.Timestamp("end").Format("2006-01-02"),
		TrainPct:  cmd.Float("train-pct"),
		Settings:  types.DefaultSettings(),
	})
	if err != nil {
		return err
	}

	_ = bar.Finish()
	fmt.Println()

	return printJSON(record)
}

func montecarloAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	code, err := os.ReadFile(cmd.String("strategy"))
	if err != nil {
		return fmt.Errorf("failed to read strategy file: %w", err)
	}

	source, _, closeSource, err := buildSource(cfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	symbol := cmd.String("symbol")
	start := cmd.Timestamp("start").Format("2006-01-02")
	end := cmd.Timestamp("end").Format("2006-01-02")

	candles, err := source.Candles(ctx, symbol, start, end)
	if err != nil {
		return err
	}

	stock, err := market.NewStock(symbol, candles)
	if err != nil {
		return err
	}

	engine := montecarlo.NewEngine(log, cfg.Engine.Workers)

	result, err := engine.Run(ctx, stock, montecarlo.Request{
		Code:     string(code),
		NSims:    int(cmd.Int("sims")),
		Horizon:  int(cmd.Int("horizon")),
		Settings: types.DefaultSettings(),
		Seed:     cmd.Int("seed"),
	})
	if err != nil {
		return err
	}

	return printJSON(result)
}

// fetchAction warms the local candle cache for a set of symbols. With a
// Polygon key configured the caching provider persists what it fetches;
// without one this only reports what the local store already holds.
func fetchAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	source, local, closeSource, err := buildSource(cfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	start := cmd.Timestamp("start").Format("2006-01-02")
	end := cmd.Timestamp("end").Format("2006-01-02")

	symbols := cmd.StringSlice("symbol")
	bar := progressbar.NewOptions(len(symbols),
		progressbar.OptionSetDescription("Fetching candles"),
		progressbar.OptionShowCount(),
	)

	for _, symbol := range symbols {
		cached, err := local.Count(ctx, symbol, start, end)
		if err != nil {
			return fmt.Errorf("count %s: %w", symbol, err)
		}

		candles, err := source.Candles(ctx, symbol, start, end)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", symbol, err)
		}

		_ = bar.Add(1)
		fmt.Printf("\n%s: %d candles (%d already cached)\n", symbol, len(candles), cached)
	}

	_ = bar.Finish()

	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}

func dateFlag(name, alias, usage string, required bool) *cli.TimestampFlag {
	f := &cli.TimestampFlag{
		Name:     name,
		Usage:    usage,
		Required: required,
		Config: cli.TimestampConfig{
			Layouts: []string{"2006-01-02"},
		},
	}

	if alias != "" {
		f.Aliases = []string{alias}
	}

	if !required {
		f.Value = time.Now()
	}

	return f
}

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a YAML config file",
	}

	strategyFlag := &cli.StringFlag{
		Name:     "strategy",
		Usage:    "Path to a strategy source file",
		Required: true,
	}

	cmd := &cli.Command{
		Name:  "stratlab",
		Usage: "Strategy backtesting engine",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API server",
				Flags:  []cli.Flag{configFlag},
				Action: serveAction,
			},
			{
				Name:  "backtest",
				Usage: "Run a strategy over one or more symbols",
				Flags: []cli.Flag{
					configFlag,
					strategyFlag,
					&cli.StringSliceFlag{
						Name:     "symbol",
						Aliases:  []string{"t"},
						Usage:    "Symbol to run on (repeatable)",
						Required: true,
					},
					dateFlag("start", "s", "Start date in YYYY-MM-DD format", true),
					dateFlag("end", "e", "End date in YYYY-MM-DD format. Defaults to today.", false),
					&cli.FloatFlag{
						Name:  "train-pct",
						Usage: "Walk-forward split fraction in (0,1). Zero disables the split.",
					},
				},
				Action: backtestAction,
			},
			{
				Name:  "montecarlo",
				Usage: "Bootstrap synthetic paths and run a strategy on each",
				Flags: []cli.Flag{
					configFlag,
					strategyFlag,
					&cli.StringFlag{
						Name:     "symbol",
						Aliases:  []string{"t"},
						Usage:    "Symbol whose history seeds the simulation",
						Required: true,
					},
					dateFlag("start", "s", "History window start in YYYY-MM-DD format", true),
					dateFlag("end", "e", "History window end in YYYY-MM-DD format. Defaults to today.", false),
					&cli.IntFlag{
						Name:  "sims",
						Usage: "Number of simulations",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "horizon",
						Usage: "Forward horizon in bars",
						Value: 252,
					},
					&cli.IntFlag{
						Name:  "seed",
						Usage: "Fixed RNG seed for reproducible results",
					},
				},
				Action: montecarloAction,
			},
			{
				Name:  "fetch",
				Usage: "Download candles into the local cache",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringSliceFlag{
						Name:     "symbol",
						Aliases:  []string{"t"},
						Usage:    "Symbol to fetch (repeatable)",
						Required: true,
					},
					dateFlag("start", "s", "Window start in YYYY-MM-DD format", true),
					dateFlag("end", "e", "Window end in YYYY-MM-DD format. Defaults to today.", false),
				},
				Action: fetchAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
