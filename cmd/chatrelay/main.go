package main

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"chatrelay/internal/app"
	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/shutdown"
)

// build metadata, set via ldflags during release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	// parse flags
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	// resolve config path (flag wins over CHATRELAY_CONFIG)
	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])

	// load effective config: file + env overrides
	cfg, _, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		shutdown.Abort("failed to load config", err, dbVal)
	}
	fileLoaded := false
	if _, err := config.Load(cfgPath); err == nil {
		fileLoaded = true
	}

	// flags explicitly set win over env/config
	if setFlags["addr"] {
		if host, port, err := net.SplitHostPort(addrVal); err == nil {
			cfg.Server.Address = host
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = addrVal
		}
	}
	if setFlags["db"] {
		cfg.Server.DBPath = dbVal
	}
	cfg.ApplyDefaults()

	// initialize logger after config is fully merged
	logger.InitWithLevel(cfg.Logging.Level)
	defer logger.Sync()

	sources := config.DescribeSources(setFlags, fileLoaded, envUsed)
	logger.Info("effective_config_loaded", "source", sources, "addr", cfg.Addr(), "db_path", cfg.Server.DBPath)

	// initialize app
	a, err := app.New(cfg, sources, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("failed to initialize app", err, cfg.Server.DBPath)
	}

	// set up context and signal handling for graceful shutdown
	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	// run the app
	if err := a.Run(ctx); err != nil {
		shutdown.Abort("app run failed", err, cfg.Server.DBPath)
	}

	// tear down with a bounded timeout so shutdown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	_ = a.Shutdown(shutdownCtx)
}
