package workers

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
	"github.com/core-tools/hsu-powerguard/pkg/monitoring"
	"github.com/core-tools/hsu-powerguard/pkg/pdu"
	"github.com/core-tools/hsu-powerguard/pkg/remoteshell"
)

const (
	MaxRestartAttempts = 3

	// Power stays off this long when the restart follows a failed soft restart or an operator request
	NormalWait = 10 * time.Second
	// Power stays off this long when the reading was already at the power-off cutoff
	ExtendedWait = 30 * time.Second
)

// RestartKind tells how a server was restarted
type RestartKind string

const (
	RestartKindSoft RestartKind = "soft"
	RestartKindHard RestartKind = "hard"
)

// UnitConfig identifies one server and the PDU outlet feeding it
type UnitConfig struct {
	ID             string
	Host           string
	PDUAddress     string
	PDUIndex       int
	PDUOutlet      int
	MinPower       int
	ControlEnabled bool
}

// UnitOptions tunes a unit; zero fields take defaults
type UnitOptions struct {
	NormalWait   time.Duration
	ExtendedWait time.Duration
	// Sleep holds power off during a hard restart
	Sleep    func(time.Duration)
	Observer monitoring.Observer
}

// Snapshot is a consistent copy of a unit's state
type Snapshot struct {
	ID              string
	Host            string
	PDUAddress      string
	PDUIndex        int
	PDUOutlet       int
	MinPower        int
	Status          Status
	RestartAttempts int
	LastPowerWatts  int
	LastCheck       time.Time
	LastError       string
}

// RestartResult describes an operator requested restart
type RestartResult struct {
	Kind RestartKind
	// Shell is the soft restart outcome, empty for hard restarts
	Shell remoteshell.Result
}

// ServerUnit runs the check and restart state machine of one server
type ServerUnit struct {
	config   UnitConfig
	pdu      pdu.Client
	shell    remoteshell.Shell
	options  UnitOptions
	observer monitoring.Observer
	logger   logging.Logger

	// checkMu serializes evaluations of this unit
	checkMu sync.Mutex

	mu        sync.Mutex
	status    Status
	attempts  int
	lastPower int
	lastCheck time.Time
	lastError string
}

func NewServerUnit(config UnitConfig, pduClient pdu.Client, shell remoteshell.Shell, options UnitOptions, logger logging.Logger) *ServerUnit {
	if options.NormalWait <= 0 {
		options.NormalWait = NormalWait
	}
	if options.ExtendedWait <= 0 {
		options.ExtendedWait = ExtendedWait
	}
	if options.Sleep == nil {
		options.Sleep = time.Sleep
	}
	observer := options.Observer
	if observer == nil {
		observer = monitoring.NopObserver()
	}

	unit := &ServerUnit{
		config:   config,
		pdu:      pduClient,
		shell:    shell,
		options:  options,
		observer: observer,
		logger:   logger,
		status:   initialStatus(config.ControlEnabled),
	}
	observer.StatusChanged(config.ID, string(unit.status))
	return unit
}

func (u *ServerUnit) ID() string {
	return u.config.ID
}

func (u *ServerUnit) Config() UnitConfig {
	return u.config
}

func (u *ServerUnit) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *ServerUnit) RestartAttempts() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.attempts
}

func (u *ServerUnit) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Snapshot{
		ID:              u.config.ID,
		Host:            u.config.Host,
		PDUAddress:      u.config.PDUAddress,
		PDUIndex:        u.config.PDUIndex,
		PDUOutlet:       u.config.PDUOutlet,
		MinPower:        u.config.MinPower,
		Status:          u.status,
		RestartAttempts: u.attempts,
		LastPowerWatts:  u.lastPower,
		LastCheck:       u.lastCheck,
		LastError:       u.lastError,
	}
}

// CheckStatus performs one scheduled evaluation. Failures are logged, never returned.
func (u *ServerUnit) CheckStatus(ctx context.Context) {
	u.checkMu.Lock()
	defer u.checkMu.Unlock()

	status := u.Status()
	if !status.Evaluated() {
		u.logger.Debugf("Skipping check, status: %s", status)
		return
	}

	watts, err := u.ReadPower(ctx)
	if err != nil {
		u.logger.Warnf("Failed to read power, skipping check, error: %v", err)
		return
	}

	switch monitoring.ClassifyPower(watts, u.config.MinPower) {
	case monitoring.PowerClassCutoff:
		u.logger.Warnf("Pulls %dW, at or below the %dW cutoff, hard restarting", watts, monitoring.PowerOffCutoff)
		if err := u.hardRestart(ctx, u.options.ExtendedWait); err != nil {
			u.logger.Errorf("Hard restart failed, error: %v", err)
		}

	case monitoring.PowerClassIdle:
		u.onIdle(ctx, watts)

	case monitoring.PowerClassHealthy:
		u.onHealthy(watts)
	}
}

// ReadPower reads the outlet and records the reading. It never changes the status.
func (u *ServerUnit) ReadPower(ctx context.Context) (int, error) {
	watts, err := u.pdu.ReadPower(ctx)

	u.mu.Lock()
	u.lastCheck = time.Now()
	if err != nil {
		u.lastError = err.Error()
	} else {
		u.lastPower = watts
		u.lastError = ""
	}
	u.mu.Unlock()

	if err != nil {
		u.observer.PowerReadFailed(u.config.ID)
		return 0, err
	}
	u.observer.PowerRead(u.config.ID, watts)
	return watts, nil
}

func (u *ServerUnit) onIdle(ctx context.Context, watts int) {
	u.mu.Lock()
	switch u.status {
	case StatusRunning:
		u.setStatusLocked(StatusInactive)
		u.mu.Unlock()
		u.logger.Infof("Pulls %dW, below %dW, marked inactive", watts, u.config.MinPower)
		return

	case StatusInactive:
		if u.attempts >= MaxRestartAttempts {
			u.setStatusLocked(StatusFailedRestarts)
			u.mu.Unlock()
			u.logger.Errorf("Server %s has failed to restart %d times, giving up", u.config.ID, MaxRestartAttempts)
			return
		}
		attempt := u.attempts + 1
		u.mu.Unlock()
		u.logger.Infof("Pulls %dW, below %dW for two checks, restart attempt %d", watts, u.config.MinPower, attempt)

	default:
		u.mu.Unlock()
		return
	}

	u.recover(ctx)

	u.mu.Lock()
	u.attempts++
	u.setStatusLocked(StatusRunning)
	u.mu.Unlock()
}

func (u *ServerUnit) onHealthy(watts int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.attempts > 0 {
		u.logger.Infof("Pulls %dW, healthy again after %d restart attempts", watts, u.attempts)
	}
	u.attempts = 0
	if u.status == StatusInactive {
		u.setStatusLocked(StatusRunning)
	}
}

// recover soft restarts and falls back to a hard restart when no SSH session could be opened
func (u *ServerUnit) recover(ctx context.Context) {
	result := u.softRestart(ctx)
	if result.Dispatched() {
		return
	}

	u.logger.Infof("Server unresponsive, hard restarting")
	if err := u.hardRestart(ctx, u.options.NormalWait); err != nil {
		u.logger.Errorf("Hard restart failed, error: %v", err)
	}
}

// Restart is the operator entry point. Status and restart attempts are left alone.
func (u *ServerUnit) Restart(ctx context.Context, hard bool) (RestartResult, error) {
	if u.Status() == StatusMaintenance {
		return RestartResult{}, errors.NewMaintenanceError("server is in maintenance", nil).
			WithContext("server_id", u.config.ID)
	}

	if hard {
		return RestartResult{Kind: RestartKindHard}, u.hardRestart(ctx, u.options.NormalWait)
	}

	return RestartResult{Kind: RestartKindSoft, Shell: u.softRestart(ctx)}, nil
}

func (u *ServerUnit) softRestart(ctx context.Context) remoteshell.Result {
	result := u.shell.Reboot(ctx)
	if result.Dispatched() {
		u.observer.Restarted(u.config.ID, string(RestartKindSoft))
	}
	return result
}

// hardRestart switches the outlet off, waits and switches it back on. When switching off fails the
// outlet is left alone and the error is returned.
func (u *ServerUnit) hardRestart(ctx context.Context, wait time.Duration) error {
	// once the outlet is off it must come back on even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	u.logger.Infof("Hard restarting, power off for %v", wait)
	if err := u.pdu.SetPower(ctx, false); err != nil {
		return errors.NewPduUnreachableError("failed to power off, power on skipped", err).
			WithContext("server_id", u.config.ID)
	}

	u.options.Sleep(wait)

	if err := u.pdu.SetPower(ctx, true); err != nil {
		return errors.NewPduUnreachableError("failed to power on", err).
			WithContext("server_id", u.config.ID)
	}

	u.observer.Restarted(u.config.ID, string(RestartKindHard))
	u.logger.Infof("Hard restart done")
	return nil
}

// setStatusLocked applies a legal transition; u.mu must be held
func (u *ServerUnit) setStatusLocked(next Status) {
	if u.status == next {
		return
	}
	if !u.status.CanTransition(next) {
		u.logger.Errorf("Refusing status change, error: %v", invalidTransitionError(u.config.ID, u.status, next))
		return
	}
	u.status = next
	u.observer.StatusChanged(u.config.ID, string(next))
}
