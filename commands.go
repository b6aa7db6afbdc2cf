package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"localdream/backend"
	"localdream/core"
	"localdream/db"
	"localdream/imageio"
	"localdream/models"
	"localdream/preferences"
	"localdream/report"
	"localdream/session"
	"localdream/shutdown"
)

var errGenerationFailed = errors.New("generation failed")

func runGenerate(args []string, env *cliEnv) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	modelID := fs.String("model", "", "model id (default: first downloaded model)")
	prompt := fs.String("prompt", "", "prompt (default: the model's saved prompt)")
	negative := fs.String("negative", "", "negative prompt")
	steps := fs.Int("steps", 0, "denoising steps")
	cfgScale := fs.Float64("cfg", 0, "guidance scale")
	seed := fs.String("seed", "", "seed, empty for random")
	size := fs.Int("size", 0, "output size for CPU models")
	denoise := fs.Float64("denoise", 0, "img2img denoise strength")
	imagePath := fs.String("image", "", "source image for img2img")
	timeout := fs.Duration("timeout", 10*time.Minute, "overall time limit")
	if err := fs.Parse(args); err != nil {
		return core.ExitCodeError
	}

	// Only flags given on the command line override saved preferences.
	var patch session.ParamsPatch
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "negative":
			patch.NegativePrompt = negative
		case "steps":
			patch.Steps = steps
		case "cfg":
			patch.CFG = cfgScale
		case "seed":
			patch.Seed = seed
		case "size":
			patch.Size = size
		case "denoise":
			patch.DenoiseStrength = denoise
		}
	})

	var source []byte
	if *imagePath != "" {
		data, err := os.ReadFile(*imagePath)
		if err != nil {
			return fail(env, "%v", err)
		}
		source = data
	}

	cfg, logger, ok := loadConfig(env, false)
	if !ok {
		return core.ExitCodeError
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return fail(env, "%v", err)
	}
	mgr := shutdown.NewManager(logger)
	a.register(mgr)
	mgr.Start()

	ctx, cancel := context.WithTimeout(mgr.Context(), *timeout)
	path, err := generateOnce(ctx, a, *modelID, *prompt, patch, source, env)
	cancel()

	code := core.ExitCodeSuccess
	if err != nil {
		code = fail(env, "%v", err)
	} else {
		passColor.Fprintf(env.stdout, "Saved %s\n", path)
	}
	if err := mgr.Shutdown(); err != nil {
		code = core.ExitCodeError
	}
	if sig := mgr.ExitCode(); sig != core.ExitCodeSuccess {
		code = sig
	}
	return code
}

// generateOnce opens a model, waits for its backend, generates one image
// and saves it to the gallery.
func generateOnce(ctx context.Context, a *app, modelID, prompt string, patch session.ParamsPatch, source []byte, env *cliEnv) (string, error) {
	if modelID == "" {
		m, ok := a.catalog.FirstDownloaded()
		if !ok {
			return "", errors.New("no downloaded model in the catalog")
		}
		modelID = m.ID
	}

	sub := a.session.Changes()
	defer sub.Close()

	if err := a.session.Open(ctx, modelID, prompt); err != nil {
		return "", err
	}
	dimColor.Fprintf(env.stdout, "Waiting for backend (%s)...\n", modelID)
	if _, err := waitSnapshot(ctx, sub, func(s session.Snapshot) (bool, error) {
		if s.BackendReady {
			return true, nil
		}
		if s.BackendStatus == backend.Failed.String() {
			return false, fmt.Errorf("backend failed: %s", s.ErrorMessage)
		}
		return false, nil
	}); err != nil {
		return "", err
	}

	if err := a.session.UpdateParams(patch); err != nil {
		return "", err
	}
	if source != nil {
		if err := a.session.SelectImage(source); err != nil {
			return "", err
		}
	}

	before := a.session.Snapshot().ImageVersion
	if err := a.session.Generate(ctx); err != nil {
		return "", err
	}

	lastStep := 0
	if _, err := waitSnapshot(ctx, sub, func(s session.Snapshot) (bool, error) {
		if s.IsRunning && s.Step > lastStep {
			lastStep = s.Step
			dimColor.Fprintf(env.stdout, "  step %d/%d\n", s.Step, s.TotalSteps)
		}
		if s.ImageVersion > before {
			return true, nil
		}
		if !s.IsRunning && s.ErrorMessage != "" {
			return false, fmt.Errorf("%w: %s", errGenerationFailed, s.ErrorMessage)
		}
		return false, nil
	}); err != nil {
		a.session.Stop()
		return "", err
	}

	snap := a.session.Snapshot()
	if snap.GenerationTime != "" {
		dimColor.Fprintf(env.stdout, "Generated in %s\n", snap.GenerationTime)
	}
	return a.session.SaveImage(ctx)
}

// snapshotSource is what waitSnapshot reads from.
type snapshotSource interface {
	Next(ctx context.Context) (session.Snapshot, error)
}

// waitSnapshot reads snapshots until done reports true or an error.
func waitSnapshot(ctx context.Context, sub snapshotSource, done func(session.Snapshot) (bool, error)) (session.Snapshot, error) {
	for {
		s, err := sub.Next(ctx)
		if err != nil {
			return s, err
		}
		ok, err := done(s)
		if err != nil || ok {
			return s, err
		}
	}
}

func runHealth(args []string, env *cliEnv) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	url := fs.String("url", "", "backend URL (default: LOCALDREAM_BACKEND_URL)")
	wait := fs.Bool("wait", false, "poll until healthy or the health timeout passes")
	if err := fs.Parse(args); err != nil {
		return core.ExitCodeError
	}

	cfg, _, ok := loadConfig(env, false)
	if !ok {
		return core.ExitCodeError
	}
	if *url == "" {
		*url = cfg.BackendURL
	}
	checker := backend.NewHealthChecker(backend.HealthConfig{
		BaseURL:  *url,
		Interval: cfg.HealthInterval,
		Deadline: cfg.HealthTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HealthTimeout+time.Second)
	defer cancel()

	start := time.Now()
	var err error
	if *wait {
		err = checker.WaitHealthy(ctx)
	} else {
		err = checker.Check(ctx)
	}
	stats := checker.Stats()
	if err != nil {
		errColor.Fprintf(env.stdout, "✗ %s unhealthy", *url)
		dimColor.Fprintf(env.stdout, " (%d attempts, %s)\n", stats.Attempts, stats.LastError)
		return core.ExitCodeError
	}
	passColor.Fprintf(env.stdout, "✓ %s healthy", *url)
	dimColor.Fprintf(env.stdout, " (%d attempts in %s)\n", stats.Attempts, time.Since(start).Round(time.Millisecond))
	return core.ExitCodeSuccess
}

func runReport(args []string, env *cliEnv) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	modelName := fs.String("model", "unknown", "model name to include")
	prompt := fs.String("prompt", "", "prompt used")
	negative := fs.String("negative", "", "negative prompt used")
	steps := fs.Int("steps", core.DefaultSteps, "steps used")
	cfgScale := fs.Float64("cfg", core.DefaultCFG, "guidance scale used")
	seed := fs.String("seed", "", "seed used")
	if err := fs.Parse(args); err != nil {
		return core.ExitCodeError
	}
	if fs.NArg() != 1 {
		return fail(env, "report needs exactly one PNG file")
	}

	png, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fail(env, "%v", err)
	}
	if err := imageio.ValidatePNG(png); err != nil {
		return fail(env, "%s: %v", fs.Arg(0), err)
	}
	parsedSeed, err := core.ParseSeed(*seed)
	if err != nil {
		return fail(env, "%v", err)
	}
	w, _, err := imageio.PNGSize(png)
	if err != nil {
		return fail(env, "%v", err)
	}

	cfg, logger, ok := loadConfig(env, false)
	if !ok {
		return core.ExitCodeError
	}
	defer logger.Sync()

	client := report.NewClient(report.Config{
		URL:            cfg.ReportURL,
		ConnectTimeout: cfg.ReportConnectLimit,
		Timeout:        cfg.ReportTimeout,
	}, logger)
	params := core.GenerationParameters{
		Steps:          *steps,
		CFG:            *cfgScale,
		Seed:           parsedSeed,
		Prompt:         *prompt,
		NegativePrompt: *negative,
		Size:           w,
	}
	if err := client.Report(context.Background(), *modelName, params, png); err != nil {
		logger.Warn("report failed", zap.Error(err))
		return fail(env, "%v", err)
	}
	passColor.Fprintln(env.stdout, session.ReportThanks)
	return core.ExitCodeSuccess
}

func runPrefs(args []string, env *cliEnv) int {
	if len(args) != 2 || (args[0] != "show" && args[0] != "reset" && args[0] != "clear") {
		return fail(env, "usage: localdream prefs show|reset|clear <model>")
	}
	action, modelID := args[0], args[1]

	cfg, logger, ok := loadConfig(env, false)
	if !ok {
		return core.ExitCodeError
	}
	defer logger.Sync()

	catalog, err := models.LoadCatalog(cfg.ModelsFile)
	if err != nil {
		return fail(env, "%v", err)
	}
	model, err := catalog.Get(modelID)
	if err != nil {
		return fail(env, "%v", err)
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fail(env, "%v", err)
	}
	defer database.Close()
	store := preferences.NewStore(db.NewRepository(database, nil), logger)

	ctx := context.Background()
	var prefs preferences.Preferences
	switch action {
	case "show":
		var saved bool
		prefs, saved, err = store.Get(ctx, model.ID)
		if err != nil {
			return fail(env, "%v", err)
		}
		if !saved {
			dimColor.Fprintf(env.stdout, "%s has no saved preferences, showing defaults\n", model.ID)
		}
	case "reset":
		prefs, err = store.Reset(ctx, model.ID, model.DefaultPrompt, model.DefaultNegativePrompt)
		if err != nil {
			return fail(env, "%v", err)
		}
		passColor.Fprintf(env.stdout, "Reset %s\n", model.ID)
	case "clear":
		if err := store.Clear(ctx, model.ID); err != nil {
			return fail(env, "%v", err)
		}
		passColor.Fprintf(env.stdout, "Cleared saved preferences for %s\n", model.ID)
		return core.ExitCodeSuccess
	}
	printPrefs(env, prefs)
	return core.ExitCodeSuccess
}

func printPrefs(env *cliEnv, p preferences.Preferences) {
	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	seed := p.Seed
	if seed == "" {
		seed = "(random)"
	}
	fmt.Fprintf(tw, "prompt\t%s\n", p.Prompt)
	fmt.Fprintf(tw, "negative_prompt\t%s\n", p.NegativePrompt)
	fmt.Fprintf(tw, "steps\t%d\n", p.Steps)
	fmt.Fprintf(tw, "cfg\t%s\n", strconv.FormatFloat(p.CFG, 'f', -1, 64))
	fmt.Fprintf(tw, "seed\t%s\n", seed)
	fmt.Fprintf(tw, "size\t%d\n", p.Size)
	fmt.Fprintf(tw, "denoise_strength\t%s\n", strconv.FormatFloat(p.DenoiseStrength, 'f', -1, 64))
	tw.Flush()
}

func runModels(_ []string, env *cliEnv) int {
	cfg, _, ok := loadConfig(env, false)
	if !ok {
		return core.ExitCodeError
	}
	catalog, err := models.LoadCatalog(cfg.ModelsFile)
	if err != nil {
		return fail(env, "%v", err)
	}

	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDEVICE\tSIZE\tBACKEND\tSTATUS")
	for _, m := range catalog.List() {
		device := "npu"
		if m.RunOnCPU {
			device = "cpu"
		}
		managed := "managed"
		if m.ExternallyManaged() {
			managed = "external"
		}
		status := "missing"
		if m.Downloaded {
			status = "downloaded"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", m.ID, m.Name, device, m.GenerationSize, managed, status)
	}
	tw.Flush()
	return core.ExitCodeSuccess
}

func runHistory(args []string, env *cliEnv) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	modelID := fs.String("model", "", "only this model")
	limit := fs.Int("limit", 20, "rows to show")
	if err := fs.Parse(args); err != nil {
		return core.ExitCodeError
	}

	cfg, _, ok := loadConfig(env, false)
	if !ok {
		return core.ExitCodeError
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fail(env, "%v", err)
	}
	defer database.Close()

	rows, err := db.NewRepository(database, nil).RecentHistory(context.Background(), *modelID, *limit)
	if err != nil {
		return fail(env, "%v", err)
	}
	if len(rows) == 0 {
		dimColor.Fprintln(env.stdout, "No generations yet.")
		return core.ExitCodeSuccess
	}

	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tMODEL\tSTATUS\tSEED\tTIME\tPROMPT")
	for _, h := range rows {
		seed := "-"
		if h.Seed != nil {
			seed = core.FormatSeed(*h.Seed)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			h.CreatedAt.Local().Format("2006-01-02 15:04"), h.ModelID, h.Status, seed, h.GenerationTime, truncate(h.Prompt, 60))
	}
	tw.Flush()
	return core.ExitCodeSuccess
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func runDB(args []string, env *cliEnv) int {
	if len(args) == 0 || (args[0] != "version" && args[0] != "rollback") {
		return fail(env, "usage: localdream db version|rollback [-steps n]")
	}
	fs := flag.NewFlagSet("db "+args[0], flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	steps := fs.Int("steps", 1, "migrations to roll back, -1 for all")
	if err := fs.Parse(args[1:]); err != nil {
		return core.ExitCodeError
	}

	cfg, _, ok := loadConfig(env, false)
	if !ok {
		return core.ExitCodeError
	}

	if args[0] == "rollback" {
		if err := db.MigrateDown(cfg.DBPath, *steps); err != nil {
			return fail(env, "%v", err)
		}
	}
	version, dirty, err := db.MigrationVersion(cfg.DBPath)
	if err != nil {
		return fail(env, "%v", err)
	}
	fmt.Fprintf(env.stdout, "schema version %d", version)
	if dirty {
		warnColor.Fprint(env.stdout, " (dirty)")
	}
	fmt.Fprintln(env.stdout)
	return core.ExitCodeSuccess
}
