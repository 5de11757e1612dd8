package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/routecodex/routecodex/internal/compat"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/httpserver"
	"github.com/routecodex/routecodex/internal/ledger"
	ledgersql "github.com/routecodex/routecodex/internal/ledger/sqlite"
	"github.com/routecodex/routecodex/internal/logging"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/transport"
	"github.com/routecodex/routecodex/internal/vault"
	"github.com/routecodex/routecodex/internal/version"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the gateway config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.FullInfo())
		return
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		log.Printf("load config failed: %v", err)
		os.Exit(2)
	}

	logWriter := io.Writer(os.Stderr)
	if cfg.Log.File != "" {
		rot, err := logging.NewRotatingWriter(cfg.Log.File, cfg.Log.MaxBytes)
		if err != nil {
			log.Printf("init rotating log: %v", err)
			os.Exit(2)
		}
		defer rot.Close()
		// Mirror to stderr as well for foreground runs.
		logWriter = io.MultiWriter(os.Stderr, rot)
	}
	lg := logging.New(logWriter, cfg.Log.Level)
	lg.Infof("gatewayd %s starting", version.FullInfo())

	for name, p := range cfg.Compat.Profiles {
		prof := p
		prof.Name = name
		compat.Register(&prof)
	}

	v, err := vault.New(cfg, lg)
	if err != nil {
		lg.Errorf("init vault: %v", err)
		os.Exit(2)
	}

	rt, err := router.New(cfg, lg)
	if err != nil {
		lg.Errorf("init router: %v", err)
		os.Exit(2)
	}

	sticky := true
	if cfg.HTTPClient.CodexSessionSticky != nil {
		sticky = *cfg.HTTPClient.CodexSessionSticky
	}
	client := transport.NewClient(transport.Options{
		Timeout:            cfg.HTTPClient.Timeout(),
		MaxIdlePerHost:     cfg.HTTPClient.MaxIdlePerHost,
		UAMode:             cfg.HTTPClient.UAMode,
		UserAgent:          cfg.HTTPClient.UserAgent,
		CodexSessionSticky: sticky,
		RateWaitMax:        cfg.HTTPClient.RateWaitMax(),
	}, lg)

	snapDir := cfg.Snapshots.Dir
	if cfg.Snapshots.Disabled {
		snapDir = ""
	}
	snap := snapshot.New(snapDir, cfg.Snapshots.PerReasonCap, lg)
	defer snap.Close()

	var store ledger.Store
	var rec pipeline.Recorder
	if !cfg.Ledger.Disabled && cfg.Ledger.Path != "" {
		s, err := ledgersql.New(cfg.Ledger.Path)
		if err != nil {
			lg.Errorf("open ledger: %v", err)
			os.Exit(2)
		}
		async := ledger.NewAsyncRecorder(s, lg)
		defer async.Close()
		store = s
		rec = async
	}

	engine := pipeline.New(cfg, rt, v, client, snap, rec, lg)
	srv := httpserver.New(cfg, engine, rt, v, store, snap, lg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		lg.Errorf("server: %v", err)
		os.Exit(3)
	}
	lg.Infof("gatewayd stopped")
}
