package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"localdream/backend"
	"localdream/core"
	"localdream/models"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	passColor    = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errColor     = color.New(color.FgRed)
	dimColor     = color.New(color.FgHiBlack)
	successColor = color.New(color.FgGreen, color.Bold)
)

type checkStatus int

const (
	checkPassed checkStatus = iota
	checkWarning
	checkFailed
)

type checkResult struct {
	Name    string
	Status  checkStatus
	Message string
	Err     error
}

// preflight checks the environment serve depends on. Failures stop the
// daemon; warnings are printed and ignored.
type preflight struct {
	out          io.Writer
	cfg          *core.Config
	probeTimeout time.Duration
}

func newPreflight(out io.Writer, cfg *core.Config) *preflight {
	return &preflight{out: out, cfg: cfg, probeTimeout: 2 * time.Second}
}

// Run executes every check and reports whether none failed.
func (p *preflight) Run(ctx context.Context) ([]checkResult, bool) {
	fmt.Fprintln(p.out)
	headerColor.Fprintf(p.out, "━━━ localdream %s ━━━\n", core.Version)
	fmt.Fprintln(p.out)

	checks := []func(context.Context) checkResult{
		p.checkDataDir,
		p.checkPicturesDir,
		p.checkCatalog,
		p.checkBackend,
		p.checkExposure,
	}

	results := make([]checkResult, 0, len(checks))
	ok := true
	for _, check := range checks {
		r := check(ctx)
		p.print(r)
		if r.Status == checkFailed {
			ok = false
		}
		results = append(results, r)
	}

	fmt.Fprintln(p.out)
	if ok {
		successColor.Fprintln(p.out, "━━━ Ready ━━━")
	} else {
		errColor.Fprintln(p.out, "━━━ Startup checks failed ━━━")
	}
	fmt.Fprintln(p.out)
	return results, ok
}

func (p *preflight) print(r checkResult) {
	icon, clr := "✓", passColor
	switch r.Status {
	case checkWarning:
		icon, clr = "!", warnColor
	case checkFailed:
		icon, clr = "✗", errColor
	}
	clr.Fprintf(p.out, "  %s %s", icon, r.Name)
	if r.Message != "" {
		dimColor.Fprintf(p.out, " - %s", r.Message)
	}
	fmt.Fprintln(p.out)
	if r.Status == checkFailed && r.Err != nil {
		errColor.Fprintf(p.out, "    └─ %s\n", r.Err.Error())
	}
}

func (p *preflight) checkDataDir(context.Context) checkResult {
	r := checkResult{Name: "Data directory"}
	dir := filepath.Dir(p.cfg.DBPath)
	if err := writable(dir); err != nil {
		r.Status, r.Err = checkFailed, err
		return r
	}
	r.Message = dir
	return r
}

func (p *preflight) checkPicturesDir(context.Context) checkResult {
	r := checkResult{Name: "Pictures directory"}
	if err := writable(p.cfg.PicturesDir); err != nil {
		r.Status, r.Message = checkWarning, "saving images will fail: "+err.Error()
		return r
	}
	r.Message = p.cfg.PicturesDir
	return r
}

func (p *preflight) checkCatalog(context.Context) checkResult {
	r := checkResult{Name: "Model catalog"}
	catalog, err := models.LoadCatalog(p.cfg.ModelsFile)
	if err != nil {
		r.Status, r.Err = checkFailed, err
		return r
	}
	list := catalog.List()
	downloaded := 0
	for _, m := range list {
		if m.Downloaded {
			downloaded++
		}
	}
	r.Message = fmt.Sprintf("%d models, %d downloaded", len(list), downloaded)
	if downloaded == 0 {
		r.Status = checkWarning
	}
	return r
}

// checkBackend only warns: a managed backend is started when a model opens.
func (p *preflight) checkBackend(ctx context.Context) checkResult {
	r := checkResult{Name: "Inference backend"}
	checker := backend.NewHealthChecker(backend.HealthConfig{
		BaseURL:        p.cfg.BackendURL,
		AttemptTimeout: p.probeTimeout,
	})
	if err := checker.Check(ctx); err != nil {
		r.Status, r.Message = checkWarning, "not reachable at "+p.cfg.BackendURL+", will start on demand"
		return r
	}
	r.Message = "healthy at " + p.cfg.BackendURL
	return r
}

func (p *preflight) checkExposure(context.Context) checkResult {
	r := checkResult{Name: "Control API", Message: p.cfg.WebUIAddr()}
	switch {
	case p.cfg.WebUIPassword != "":
		r.Message += ", password protected"
	case !isLoopback(p.cfg.WebUIHost):
		r.Status = checkWarning
		r.Message += " is reachable from the network without a password"
	}
	return r
}

func writable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".localdream-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	return errors.Join(f.Close(), os.Remove(name))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
