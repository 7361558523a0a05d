package master

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/core-tools/hsu-powerguard/pkg/control"
	"github.com/core-tools/hsu-powerguard/pkg/domain"
	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
	"github.com/core-tools/hsu-powerguard/pkg/monitoring"
	"github.com/core-tools/hsu-powerguard/pkg/render"
	"github.com/core-tools/hsu-powerguard/pkg/shell"
	"github.com/core-tools/hsu-powerguard/pkg/workers"
)

const shutdownTimeout = 2 * time.Minute

type RunOptions struct {
	ConfigFile string
	EnvFile    string
	// Listen overrides master.listen from the configuration
	Listen string
	// Interactive runs the operator shell on Stdin; otherwise checks start right away
	Interactive bool
	// RunDuration stops the runner after this many seconds, 0 runs until a signal
	RunDuration int
	Stdin       io.Reader
	Stdout      io.Writer
}

// LoadConfig reads, completes and validates the configuration file
func LoadConfig(configFile, envFile string) (*PowerguardConfig, error) {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return nil, err
	}

	if err := ApplyCredentials(&config.SSH, envFile); err != nil {
		return nil, err
	}

	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return config, nil
}

func Run(options RunOptions, logger logging.Logger) error {
	logger.Infof("Powerguard runner starting...")

	if options.Stdin == nil {
		options.Stdin = os.Stdin
	}
	if options.Stdout == nil {
		options.Stdout = os.Stdout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if options.RunDuration > 0 {
		duration := time.Duration(options.RunDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Infof("Using CONFIGURATION FILE: %s", options.ConfigFile)
	if _, err := os.Stat(options.ConfigFile); os.IsNotExist(err) {
		if err := WriteDefaultConfig(options.ConfigFile); err != nil {
			return err
		}
		logger.Errorf("Config file not found, created a template at %s", options.ConfigFile)
		return errors.NewNotFoundError("configuration file not found, edit the created template", nil).
			WithContext("config_file", options.ConfigFile)
	}

	config, err := LoadConfig(options.ConfigFile, options.EnvFile)
	if err != nil {
		return err
	}

	summary := GetConfigSummary(config)
	logger.Infof("Configuration loaded, servers: %d, control enabled: %d, check interval: %v",
		summary.TotalServers, summary.ControlEnabled, summary.CheckInterval)

	metrics := monitoring.NewMetrics()

	// Reload rereads the file; master options other than the fleet stay as started
	loader := func() ([]*workers.ServerUnit, error) {
		reloaded, err := LoadConfig(options.ConfigFile, options.EnvFile)
		if err != nil {
			return nil, err
		}
		return CreateUnitsFromConfig(reloaded, metrics, logger)
	}

	units, err := CreateUnitsFromConfig(config, metrics, logger)
	if err != nil {
		return err
	}

	masterOptions := MasterOptions{
		CheckInterval:        config.Master.CheckInterval,
		MaxParallelChecks:    config.Master.MaxParallelChecks,
		SNMPQueriesPerSecond: config.Master.SNMPQueriesPerSecond,
		Observer:             metrics,
	}
	if config.Master.PrintStatusEachTick {
		masterOptions.OnTick = func(report []domain.UnitSummary) {
			if err := render.List(options.Stdout, report); err != nil {
				logger.Errorf("Failed to print status, error: %v", err)
			}
		}
	}

	master, err := NewMaster(masterOptions, units, logger)
	if err != nil {
		return errors.NewInternalError("failed to create master", err)
	}
	handler := NewMasterHandler(master, loader, logger)

	listen := config.Master.Listen
	if options.Listen != "" {
		listen = options.Listen
	}
	var httpServer *http.Server
	if listen != "" {
		gin.SetMode(gin.ReleaseMode)
		httpServer = &http.Server{
			Addr:    listen,
			Handler: control.NewRouter(handler, metrics.Handler(), logger),
		}
		go func() {
			logger.Infof("Control API listening on %s", listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Control API stopped, error: %v", err)
			}
		}()
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	shellDone := make(chan error, 1)
	if options.Interactive {
		logger.Infof("Powerguard is ready, type ACTIVATE to start the check cycle")
		go func() {
			shellDone <- shell.NewShell(handler, options.Stdout, logger).Run(ctx, options.Stdin)
		}()
	} else {
		logger.Infof("Powerguard is ready, starting the check cycle")
		master.StartChecks()
	}

	var runErr error
	select {
	case receivedSignal := <-sig:
		logger.Infof("Powerguard runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Powerguard runner timed out")
	case runErr = <-shellDone:
		logger.Infof("Operator shell closed")
	}

	master.StopChecks()

	// Reset context to background so a hard restart in flight can finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Control API shutdown failed, error: %v", err)
		}
	}
	if err := master.Wait(shutdownCtx); err != nil {
		logger.Errorf("Checks did not stop in time, error: %v", err)
	}

	logger.Infof("Powerguard runner stopped")
	return runErr
}
