// Command localdream runs the local image generation daemon and a small CLI
// around it.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"localdream/core"
	"localdream/logging"
)

// cliEnv carries the streams a command writes to.
type cliEnv struct {
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	usage string
	run   func(args []string, env *cliEnv) int
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"serve":    {"serve [-model id] [-prompt text]    run the daemon and control API", runServe},
		"generate": {"generate [flags]                    generate one image and save it", runGenerate},
		"health":   {"health [-url url] [-wait]           probe the inference backend", runHealth},
		"report":   {"report [flags] image.png            report an image as inappropriate", runReport},
		"prefs":    {"prefs show|reset|clear <model>      show, reset or forget saved parameters", runPrefs},
		"models":   {"models                              list the model catalog", runModels},
		"history":  {"history [-model id] [-limit n]      list recent generations", runHistory},
		"db":       {"db version|rollback [-steps n]      inspect or roll back the schema", runDB},
		"service":  {"service install|uninstall|start|stop|restart|status|run", runService},
		"version":  {"version                             print the version", runVersion},
	}
}

func main() {
	os.Exit(run(os.Args[1:], &cliEnv{stdout: os.Stdout, stderr: os.Stderr}))
}

// run dispatches to a subcommand and returns the process exit code. With no
// subcommand it serves.
func run(args []string, env *cliEnv) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(env.stderr, "Warning: failed to load .env: %v\n", err)
	}

	name := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}
	switch name {
	case "help", "-h", "--help":
		printUsage(env.stdout)
		return core.ExitCodeSuccess
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(env.stderr, "unknown command %q\n\n", name)
		printUsage(env.stderr)
		return core.ExitCodeError
	}
	return cmd.run(args, env)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: localdream <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration is read from the environment and an optional .env file.")
}

func runVersion(_ []string, env *cliEnv) int {
	fmt.Fprintf(env.stdout, "localdream %s\n", core.Version)
	return core.ExitCodeSuccess
}

// loadConfig reads configuration and builds the logger. Interactive commands
// keep the console for their own output and log only to the file.
func loadConfig(env *cliEnv, console bool) (*core.Config, *logging.Logger, bool) {
	cfg, err := core.LoadConfig()
	if err != nil {
		fmt.Fprintf(env.stderr, "Configuration error: %v\n", err)
		return nil, nil, false
	}

	opts := logging.Options{Development: cfg.DevMode, FilePath: cfg.LogFile}
	if console {
		opts.Console = env.stdout
	} else {
		opts.Console = io.Discard
	}
	logger, err := logging.NewLogger(opts)
	if err != nil {
		fmt.Fprintf(env.stderr, "Failed to initialize logger: %v\n", err)
		return nil, nil, false
	}
	return cfg, logger, true
}

func fail(env *cliEnv, format string, args ...any) int {
	errColor.Fprintf(env.stderr, "Error: "+format+"\n", args...)
	return core.ExitCodeError
}
