package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kardianos/service"

	"localdream/core"
	"localdream/shutdown"
)

const serviceStopGrace = 5 * time.Second

// program runs serve under the system service manager.
type program struct {
	opts serveOptions
	env  *cliEnv

	mu   sync.Mutex
	mgr  *shutdown.Manager
	done chan int
}

func (p *program) Start(service.Service) error {
	p.done = make(chan int, 1)
	go func() {
		p.done <- serve(p.opts, p.env, func(m *shutdown.Manager) {
			p.mu.Lock()
			p.mgr = m
			p.mu.Unlock()
		})
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	p.mu.Lock()
	mgr := p.mgr
	p.mu.Unlock()
	if mgr != nil {
		mgr.Trigger("service stop")
	}

	select {
	case code := <-p.done:
		if code != core.ExitCodeSuccess {
			return fmt.Errorf("daemon exited with %s", core.ExitCodeName(code))
		}
		return nil
	case <-time.After(shutdown.DefaultTimeout + serviceStopGrace):
		return fmt.Errorf("timeout waiting for daemon to stop")
	}
}

func serviceConfig() *service.Config {
	return &service.Config{
		Name:        "localdream",
		DisplayName: "Local Dream",
		Description: "Local image generation daemon and control API",
		Arguments:   []string{"service", "run", "-skip-checks"},
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
}

func newSystemService(p *program) (service.Service, error) {
	s, err := service.New(p, serviceConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

func runService(args []string, env *cliEnv) int {
	if len(args) == 0 {
		printServiceUsage(env.stderr)
		return core.ExitCodeError
	}
	action := args[0]

	p := &program{env: env}
	if action == "run" {
		opts, ok := parseServeFlags(args[1:], env)
		if !ok {
			return core.ExitCodeError
		}
		p.opts = opts
	}
	s, err := newSystemService(p)
	if err != nil {
		return fail(env, "%v", err)
	}

	switch action {
	case "run":
		if service.Interactive() {
			return serve(p.opts, env, nil)
		}
		if err := s.Run(); err != nil {
			return fail(env, "service run failed: %v", err)
		}
		return core.ExitCodeSuccess
	case "status":
		status, err := s.Status()
		if err != nil {
			return fail(env, "failed to get service status: %v", err)
		}
		switch status {
		case service.StatusRunning:
			passColor.Fprintln(env.stdout, "Service is running")
		case service.StatusStopped:
			warnColor.Fprintln(env.stdout, "Service is stopped")
		default:
			dimColor.Fprintln(env.stdout, "Service status unknown")
		}
		return core.ExitCodeSuccess
	case "install", "uninstall", "remove", "start", "stop", "restart":
		if action == "remove" {
			action = "uninstall"
		}
		if err := service.Control(s, action); err != nil {
			return fail(env, "%v", err)
		}
		passColor.Fprintf(env.stdout, "Service %s: ok\n", action)
		return core.ExitCodeSuccess
	case "help", "-h", "--help":
		printServiceUsage(env.stdout)
		return core.ExitCodeSuccess
	default:
		fmt.Fprintf(env.stderr, "unknown service command %q\n\n", action)
		printServiceUsage(env.stderr)
		return core.ExitCodeError
	}
}

func printServiceUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: localdream service <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  install    Register localdream with the system service manager")
	fmt.Fprintln(w, "  uninstall  Remove the service (alias: remove)")
	fmt.Fprintln(w, "  start      Start the service")
	fmt.Fprintln(w, "  stop       Stop the service")
	fmt.Fprintln(w, "  restart    Stop and start the service")
	fmt.Fprintln(w, "  status     Show the service status")
	fmt.Fprintln(w, "  run        Run the daemon (used by the service manager)")
}
