package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/leadwave/wpsync/internal/config"
	"github.com/leadwave/wpsync/internal/daemon"
	"github.com/leadwave/wpsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.wpsync/config.toml)")
	flag.Parse()

	if err := config.LoadEnvFiles(session.EnvPath(), ".env"); err != nil {
		fatal(err)
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fatal(err)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg}),
	)

	app.Run()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
