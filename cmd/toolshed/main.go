package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"toolshed/internal/exec/wasm"
	"toolshed/internal/infra/config"
	"toolshed/internal/infra/logger"
	"toolshed/internal/registry"
	"toolshed/internal/storage"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "path to config file")
	scope := fs.String("scope", "default", "session scope for enablement state")
	_ = fs.Parse(os.Args[2:])
	args := fs.Args()

	app, err := newApp(*cfgPath, *scope)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer app.close()

	if err := app.dispatch(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func (a *app) dispatch(cmd string, args []string) error {
	switch cmd {
	case "list":
		return a.runList()
	case "install":
		if len(args) < 1 {
			return fmt.Errorf("usage: toolshed install <manifest-file>")
		}
		return a.runInstall(args[0])
	case "uninstall":
		if len(args) < 1 {
			return fmt.Errorf("usage: toolshed uninstall <name>")
		}
		return a.runUninstall(args[0])
	case "enable":
		if len(args) < 1 {
			return fmt.Errorf("usage: toolshed enable <name>")
		}
		return a.runSetEnabled(args[0], true)
	case "disable":
		if len(args) < 1 {
			return fmt.Errorf("usage: toolshed disable <name>")
		}
		return a.runSetEnabled(args[0], false)
	case "reset":
		return a.runReset()
	case "serve":
		return a.runServe()
	default:
		return fmt.Errorf("unknown command: %s\n\nRun 'toolshed --help' for usage", cmd)
	}
}

func showUsage() {
	fmt.Println(`toolshed - scope-aware plugin registry for AI agent tools

USAGE:
    toolshed <COMMAND> [-config path] [-scope id] [ARGS]

COMMANDS:
    list                 List installed plugins and this scope's enablement
    install <manifest>   Install (or re-install) a plugin from a manifest file
    uninstall <name>     Remove a plugin globally
    enable <name>        Enable a plugin in this scope
    disable <name>       Disable a plugin in this scope
    reset                Reset this scope to enabled-by-default
    serve                Serve this scope's enabled tools over MCP stdio`)
}

// app wires the storage provider, store, and session for one invocation.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	session *registry.Session
	closers []func() error
}

func newApp(cfgPath, scope string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, closeLog)

	provider, err := openProvider(cfg.Storage, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, provider.Close)

	hydrator := registry.NewHydrator(nil, wasm.Limits{
		MaxMemoryMB: cfg.WASM.MaxMemoryMB,
		ExecTimeout: cfg.WASM.ExecTimeout,
	}, log)
	store := registry.NewStore(provider, hydrator, log)
	a.session = registry.NewSession(store, scope, log)
	a.closers = append(a.closers, func() error {
		a.session.Close()
		return nil
	})

	return a, nil
}

func openProvider(cfg config.StorageConfig, log *slog.Logger) (storage.Provider, error) {
	var provider storage.Provider
	var err error
	switch cfg.Backend {
	case "sqlite":
		provider, err = storage.NewSQLite(cfg.Path)
	case "memory":
		provider = storage.NewMemory()
	case "file", "":
		provider, err = storage.NewFile(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker {
		provider = storage.NewBreakerProvider(provider, storage.BreakerConfig{
			MaxFailures: cfg.BreakerMaxFailures,
		}, log)
	}
	return provider, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "toolshed.yaml"
	}
	return home + "/.toolshed/config.yaml"
}
