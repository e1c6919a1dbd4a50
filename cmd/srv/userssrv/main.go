package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-users/pkg/app"
	"github.com/core-tools/hsu-users/pkg/config"
	"github.com/core-tools/hsu-users/pkg/control"
	"github.com/core-tools/hsu-users/pkg/logging"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

type flagOptions struct {
	ConfigFile string `long:"config" description:"path to the YAML configuration file"`
	EnvFile    string `long:"env" description:"path to a dotenv file"`
	SecretsDir string `long:"secrets-dir" default:"/run/secrets" description:"directory with one secret file per variable"`

	Run    runCommand    `command:"run" description:"run the application"`
	Users  usersCommand  `command:"users" description:"users service commands"`
	Config configCommand `command:"config" description:"inspect the effective configuration"`
	Tree   treeCommand   `command:"tree" description:"print the unit tree and its start plan"`
}

var opts flagOptions

func main() {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.LoadOptions{
		ConfigFile: opts.ConfigFile,
		EnvFile:    opts.EnvFile,
		SecretsDir: opts.SecretsDir,
	})
}

// environment is what every command that touches the service needs.
type environment struct {
	cfg    *config.Config
	zap    *logging.ZapLogger
	logger logging.Logger
}

func setup() (*environment, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	zapLogger, err := logging.NewZapLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return &environment{
		cfg:    cfg,
		zap:    zapLogger,
		logger: logging.Named(zapLogger, logging.ModulePrefix("users-server")),
	}, nil
}

func (e *environment) close() {
	_ = e.zap.Sync()
}

func (e *environment) appOptions() app.Options {
	return app.Options{
		Version:    version,
		Logger:     e.logger,
		CoreLogger: control.NewCoreLogger(logging.ModulePrefix("hsu-core"), e.zap),
	}
}
