package main

import (
	"fmt"
	"os"

	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
	"github.com/core-tools/hsu-powerguard/pkg/master"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" default:"config.yaml" description:"path to the configuration file"`
	EnvFile     string `long:"env-file" default:".env" description:"file with POWERGUARD_SSH_* credentials"`
	LogLevel    string `long:"log-level" description:"debug, info, warn or error; overrides the configuration"`
	LogFile     string `long:"log-file" description:"rotating log file; overrides the configuration"`
	Listen      string `long:"listen" description:"address of the HTTP control API, e.g. :8080"`
	Interactive bool   `long:"interactive" short:"i" description:"run the operator shell instead of starting checks right away"`
	RunDuration int    `long:"run-duration" description:"stop after this many seconds"`
	Validate    bool   `long:"validate" description:"validate the configuration file and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		if err := master.ValidateConfigFile(opts.Config); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		return
	}

	logConfig := logging.DefaultConfig()
	if config, err := master.LoadConfigFromFile(opts.Config); err == nil {
		logConfig = config.Logging
	}
	if opts.LogLevel != "" {
		logConfig.Level = opts.LogLevel
	}
	if opts.LogFile != "" {
		logConfig.File = opts.LogFile
	}

	zapLogger, err := logging.NewZapLogger(logConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.FromZap(zapLogger, logPrefix("hsu-powerguard"))

	logger.Infof("opts: %+v", opts)

	err = master.Run(master.RunOptions{
		ConfigFile:  opts.Config,
		EnvFile:     opts.EnvFile,
		Listen:      opts.Listen,
		Interactive: opts.Interactive,
		RunDuration: opts.RunDuration,
	}, logger)
	if err != nil {
		logger.Errorf("Powerguard failed: %v", err)
		zapLogger.Sync()
		if errors.IsNotFoundError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
