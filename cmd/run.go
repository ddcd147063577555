// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lexbr/norm-harvester/internal/browser"
	"github.com/lexbr/norm-harvester/internal/config"
	"github.com/lexbr/norm-harvester/internal/engine"
	"github.com/lexbr/norm-harvester/internal/extract"
	"github.com/lexbr/norm-harvester/internal/fetch"
	"github.com/lexbr/norm-harvester/internal/logging"
	"github.com/lexbr/norm-harvester/internal/metrics"
	"github.com/lexbr/norm-harvester/internal/saver"
	"github.com/lexbr/norm-harvester/internal/source"
	"github.com/lexbr/norm-harvester/internal/vpn"
)

// newRunCmd creates and configures the 'run' subcommand. It wires every
// component from configuration and drives one harvest of the named source.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [source]",
		Short: "Harvests one source year by year",
		Long: `Runs the crawl loop for a registered source: resumes from the newest
year directory under the save dir, walks the remaining years in order and
streams every extracted norm to disk as it arrives. SIGINT and SIGTERM
stop the loop and flush queued records before exit.`,

		Args: cobra.MaximumNArgs(1),
		RunE: runHarvest,
	}
	return cmd
}

func runHarvest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sourceName := cfg.Crawl.Source
	if len(args) > 0 {
		sourceName = args[0]
	}
	if sourceName == "" {
		return errors.New("no source given: pass one as an argument or set crawl.source")
	}

	logger, err := logging.New(cfg.Logging.Verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		go func() {
			if serr := metrics.Serve(cfg.Metrics.Addr); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				logger.Warn("Metrics endpoint failed", zap.Error(serr))
			}
		}()
	}

	sv, err := saver.New(cfg.Storage.SaveDir, cfg.Storage.ErrorDir, logger,
		saver.WithMaxPathLen(cfg.Storage.MaxPathLen))
	if err != nil {
		return fmt.Errorf("init saver: %w", err)
	}

	deps, cleanup, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	adapter, err := source.New(sourceName, deps)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		YearStart:  cfg.Crawl.YearStart,
		YearEnd:    cfg.Crawl.YearEnd,
		MaxWorkers: cfg.Crawl.MaxWorkers,
		Verbose:    cfg.Logging.Verbose,
	}, adapter, sv, logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	docs, err := eng.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("harvest %s: %w", sourceName, err)
	}

	logger.Info("Harvest finished",
		zap.String("source", sourceName), zap.Int("documents", len(docs)))
	return nil
}

// buildDeps assembles the shared infrastructure adapters draw on: the
// retrying HTTP client (with VPN rotation when tunnels are configured),
// the browser pool when enabled and the extractor with its optional OCR
// engine. On error every resource built so far is released; on success
// the caller owns the returned cleanup.
func buildDeps(ctx context.Context, cfg config.Config, logger *zap.Logger) (source.Deps, func(), error) {
	var manager *vpn.Manager
	var pool *browser.Pool

	cleanup := func() {
		if pool != nil {
			pool.Close()
		}
		if manager != nil {
			for name, derr := range manager.DisconnectAll() {
				if derr != nil {
					logger.Warn("VPN teardown failed", zap.String("config", name), zap.Error(derr))
				}
			}
		}
	}
	fail := func(err error) (source.Deps, func(), error) {
		cleanup()
		return source.Deps{}, func() {}, err
	}

	var fetchOpts []fetch.ClientOption
	if len(cfg.VPN.Configs) > 0 {
		var err error
		manager, err = vpn.NewManager(vpn.Config{
			Executable:      cfg.VPN.Executable,
			ConfigPaths:     cfg.VPN.Configs,
			Credentials:     vpnCredentials(cfg.VPN.Credentials),
			Default:         vpn.Credentials{Username: cfg.VPN.DefaultUser, Password: cfg.VPN.DefaultPass},
			StabilityWindow: cfg.VPN.StabilityWindow(),
			Shuffle:         cfg.VPN.Shuffle,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("init vpn manager: %w", err))
		}
		fetchOpts = append(fetchOpts, fetch.WithRotator(manager))
	}

	client, err := fetch.New(fetch.Config{
		MaxAttempts: cfg.HTTP.MaxAttempts,
		RetryDelay:  cfg.HTTP.RetryDelay(),
		Timeout:     cfg.HTTP.Timeout(),
		UserAgent:   cfg.HTTP.UserAgent,
		ProxyURL:    cfg.HTTP.ProxyURL,
		InsecureTLS: cfg.HTTP.InsecureTLS,
	}, logger, fetchOpts...)
	if err != nil {
		return fail(fmt.Errorf("init fetch client: %w", err))
	}

	if cfg.Browser.Enabled {
		size := cfg.Browser.PoolSize
		if size <= 0 {
			size = cfg.Crawl.MaxWorkers
		}
		pool, err = browser.NewPool(ctx, browser.Config{
			Size:       size,
			UserAgent:  cfg.HTTP.UserAgent,
			NavTimeout: cfg.Browser.NavTimeout(),
			Headless:   cfg.Browser.Headless,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("init browser pool: %w", err))
		}
	}

	var ocr extract.Engine
	if cfg.OCR.APIKey != "" {
		llm, err := extract.NewLLMEngine(extract.LLMConfig{
			APIKey:  cfg.OCR.APIKey,
			BaseURL: cfg.OCR.BaseURL,
			Model:   cfg.OCR.Model,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("init ocr engine: %w", err))
		}
		ocr = llm
	}

	extractor, err := extract.New(extract.Config{
		MaxWorkers:       cfg.Crawl.MaxWorkers,
		MinNativeTextLen: cfg.OCR.MinNativeTextLen,
	}, ocr, logger)
	if err != nil {
		return fail(fmt.Errorf("init extractor: %w", err))
	}

	deps := source.Deps{
		Fetch:   client,
		Browser: pool,
		Extract: extractor,
		Log:     logger,
	}
	return deps, cleanup, nil
}

func vpnCredentials(in map[string]config.CredentialConfig) map[string]vpn.Credentials {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]vpn.Credentials, len(in))
	for name, c := range in {
		out[name] = vpn.Credentials{Username: c.User, Password: c.Pass}
	}
	return out
}
