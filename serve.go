package main

import (
	"context"
	"flag"

	"go.uber.org/zap"

	"localdream/core"
	"localdream/shutdown"
	"localdream/webui"
	"localdream/webui/auth"
)

type serveOptions struct {
	host      string
	port      int
	modelID   string
	prompt    string
	skipCheck bool
}

func parseServeFlags(args []string, env *cliEnv) (serveOptions, bool) {
	var opts serveOptions
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	fs.StringVar(&opts.host, "host", "", "control API host (overrides LOCALDREAM_WEBUI_HOST)")
	fs.IntVar(&opts.port, "port", 0, "control API port (overrides LOCALDREAM_WEBUI_PORT)")
	fs.StringVar(&opts.modelID, "model", "", "model to open at startup")
	fs.StringVar(&opts.prompt, "prompt", "", "prompt to open the model with")
	fs.BoolVar(&opts.skipCheck, "skip-checks", false, "skip startup checks")
	if err := fs.Parse(args); err != nil {
		return opts, false
	}
	return opts, true
}

func runServe(args []string, env *cliEnv) int {
	opts, ok := parseServeFlags(args, env)
	if !ok {
		return core.ExitCodeError
	}
	return serve(opts, env, nil)
}

// serve runs the daemon until a signal or a Trigger on its manager. onStart,
// when set, receives the manager once it exists.
func serve(opts serveOptions, env *cliEnv, onStart func(*shutdown.Manager)) int {
	cfg, logger, ok := loadConfig(env, true)
	if !ok {
		return core.ExitCodeError
	}
	if opts.host != "" {
		cfg.WebUIHost = opts.host
	}
	if opts.port != 0 {
		cfg.WebUIPort = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return fail(env, "%v", err)
	}

	mgr := shutdown.NewManager(logger)
	if onStart != nil {
		onStart(mgr)
	}
	mgr.Start()

	if !opts.skipCheck {
		if _, passed := newPreflight(env.stdout, cfg).Run(mgr.Context()); !passed {
			logger.Error("startup checks failed")
			_ = logger.Sync()
			return core.ExitCodeError
		}
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		_ = logger.Sync()
		return core.ExitCodeError
	}
	a.register(mgr)

	webCfg := webui.DefaultConfig()
	webCfg.Host = cfg.WebUIHost
	webCfg.Port = cfg.WebUIPort
	if cfg.WebUIPassword != "" {
		hash, err := auth.ResolveHash(cfg.WebUIPassword)
		if err != nil {
			logger.Error("invalid control API password", zap.Error(err))
			_ = mgr.Shutdown()
			return core.ExitCodeError
		}
		webCfg.PasswordHash = hash
	}

	srv, err := webui.NewServer(webCfg, webui.Deps{
		Session: a.session,
		Changes: func() webui.SnapshotSource { return a.session.Changes() },
		Catalog: a.catalog,
		Metrics: a.metrics,
		Tracker: mgr,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create control API", zap.Error(err))
		_ = mgr.Shutdown()
		return core.ExitCodeError
	}
	mgr.Register("webui", shutdown.PriorityWebUI, srv.Shutdown)

	a.startRetention(mgr.Context())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(mgr.Context()) }()

	if opts.modelID != "" {
		go openAtStartup(mgr, a, opts.modelID, opts.prompt)
	}

	logger.Info("localdream started",
		zap.String("version", core.Version),
		zap.String("addr", srv.Addr()),
		zap.Bool("dev_mode", cfg.DevMode))

	code := core.ExitCodeSuccess
	select {
	case <-mgr.Context().Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("control API failed", zap.Error(err))
			code = core.ExitCodeError
		}
	}

	if err := mgr.Shutdown(); err != nil {
		code = core.ExitCodeError
	}
	if sig := mgr.ExitCode(); sig != core.ExitCodeSuccess {
		code = sig
	}
	return code
}

func openAtStartup(mgr *shutdown.Manager, a *app, modelID, prompt string) {
	err := mgr.Track(mgr.Context(), "open", func(ctx context.Context) error {
		return a.session.Open(ctx, modelID, prompt)
	})
	if err != nil {
		a.logger.Error("failed to open model at startup", zap.String("model_id", modelID), zap.Error(err))
	}
}
