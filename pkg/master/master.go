package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/core-tools/hsu-powerguard/pkg/domain"
	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
	"github.com/core-tools/hsu-powerguard/pkg/monitoring"
	"github.com/core-tools/hsu-powerguard/pkg/workers"
)

type MasterOptions struct {
	CheckInterval time.Duration
	// MaxParallelChecks bounds how many servers one tick evaluates at once, 1 checks them in order
	MaxParallelChecks int
	// SNMPQueriesPerSecond paces the power readings of a tick, 0 disables pacing
	SNMPQueriesPerSecond float64
	// OnTick receives the fleet listing before each tick
	OnTick   func(report []domain.UnitSummary)
	Observer monitoring.Observer
}

// Master owns the fleet of server units and the loop that checks them
type Master struct {
	options  MasterOptions
	logger   logging.Logger
	observer monitoring.Observer
	limiter  *rate.Limiter

	// fleetMu is read-locked by ticks and operator commands, write-locked by Reload
	fleetMu sync.RWMutex
	units   []*workers.ServerUnit
	index   map[string]*workers.ServerUnit

	loopMu   sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

func NewMaster(options MasterOptions, units []*workers.ServerUnit, logger logging.Logger) (*Master, error) {
	if err := monitoring.ValidateCheckInterval(options.CheckInterval); err != nil {
		return nil, errors.NewValidationError("invalid master options", err)
	}
	if options.MaxParallelChecks <= 0 {
		options.MaxParallelChecks = 1
	}
	if options.SNMPQueriesPerSecond < 0 {
		return nil, errors.NewValidationError("SNMP queries per second cannot be negative", nil)
	}
	observer := options.Observer
	if observer == nil {
		observer = monitoring.NopObserver()
	}

	index, err := indexUnits(units)
	if err != nil {
		return nil, err
	}

	master := &Master{
		options:  options,
		logger:   logger,
		observer: observer,
		units:    units,
		index:    index,
	}
	if options.SNMPQueriesPerSecond > 0 {
		master.limiter = rate.NewLimiter(rate.Limit(options.SNMPQueriesPerSecond), 1)
	}

	logger.Infof("Master created, servers: %d, check interval: %v, max parallel checks: %d",
		len(units), options.CheckInterval, options.MaxParallelChecks)
	return master, nil
}

func indexUnits(units []*workers.ServerUnit) (map[string]*workers.ServerUnit, error) {
	index := make(map[string]*workers.ServerUnit, len(units))
	for _, unit := range units {
		if unit == nil {
			return nil, errors.NewValidationError("server unit cannot be nil", nil)
		}
		if _, exists := index[unit.ID()]; exists {
			return nil, errors.NewConflictError("server already exists", nil).WithContext("server_id", unit.ID())
		}
		index[unit.ID()] = unit
	}
	return index, nil
}

// StartChecks starts the check loop unless it already runs. The first tick runs immediately.
func (m *Master) StartChecks() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.stopChan != nil {
		m.logger.Debugf("Checks already running")
		return false
	}

	// A loop stopped during a long tick may still be finishing it; the new loop waits for it
	previous := m.done
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(previous, m.stopChan, m.done)

	m.logger.Infof("Checks started, interval: %v", m.options.CheckInterval)
	return true
}

// StopChecks ends the check loop at its next wake point. A tick in progress completes.
func (m *Master) StopChecks() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.stopChan == nil {
		return false
	}

	close(m.stopChan)
	m.stopChan = nil

	m.logger.Infof("Checks stopping")
	return true
}

func (m *Master) ChecksRunning() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.stopChan != nil
}

// Wait blocks until the last started check loop has exited
func (m *Master) Wait(ctx context.Context) error {
	m.loopMu.Lock()
	done := m.done
	m.loopMu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.NewCancelledError("wait for checks to stop was cancelled", ctx.Err())
	}
}

func (m *Master) loop(previous <-chan struct{}, stopChan <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if previous != nil {
		<-previous
	}

	m.logger.Debugf("Check loop started")

	ticker := time.NewTicker(m.options.CheckInterval)
	defer ticker.Stop()

	for {
		// A tick longer than the interval leaves both channels ready; stop wins
		if stopped(stopChan) || !m.tick(stopChan) {
			m.logger.Infof("Checks stopped")
			return
		}

		select {
		case <-ticker.C:
		case <-stopChan:
			m.logger.Infof("Checks stopped")
			return
		}
	}
}

func stopped(stopChan <-chan struct{}) bool {
	select {
	case <-stopChan:
		return true
	default:
		return false
	}
}

// tick evaluates every unit once and reports false when checks were stopped before it began.
// Ticks run on their own context so stopping never aborts a check.
func (m *Master) tick(stopChan <-chan struct{}) bool {
	m.fleetMu.RLock()
	defer m.fleetMu.RUnlock()

	// Reload stops checks before taking the fleet lock, so a tick queued behind it must not run
	if stopped(stopChan) {
		return false
	}

	if m.options.OnTick != nil {
		m.options.OnTick(m.statusReportLocked())
	}

	ctx := context.Background()
	start := time.Now()
	slots := make(chan struct{}, m.options.MaxParallelChecks)
	var wg sync.WaitGroup

	for _, unit := range m.units {
		if !unit.Status().Evaluated() {
			continue
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				m.logger.Errorf("SNMP pacer failed, error: %v", err)
			}
		}

		slots <- struct{}{}
		wg.Add(1)
		go func(unit *workers.ServerUnit) {
			defer wg.Done()
			defer func() { <-slots }()
			m.checkUnit(ctx, unit)
		}(unit)
	}
	wg.Wait()

	m.logger.Debugf("Tick done, servers: %d, took: %v", len(m.units), time.Since(start))
	return true
}

func (m *Master) checkUnit(ctx context.Context, unit *workers.ServerUnit) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Check panicked, server: %s, panic: %v", unit.ID(), r)
		}
	}()
	unit.CheckStatus(ctx)
}

// StatusReport lists every unit in configuration order
func (m *Master) StatusReport() []domain.UnitSummary {
	m.fleetMu.RLock()
	defer m.fleetMu.RUnlock()
	return m.statusReportLocked()
}

func (m *Master) statusReportLocked() []domain.UnitSummary {
	report := make([]domain.UnitSummary, 0, len(m.units))
	for _, unit := range m.units {
		report = append(report, summaryOf(unit.Snapshot()))
	}
	return report
}

func summaryOf(snapshot workers.Snapshot) domain.UnitSummary {
	return domain.UnitSummary{
		ID:              snapshot.ID,
		Status:          string(snapshot.Status),
		PDUIndex:        snapshot.PDUIndex,
		PDUOutlet:       snapshot.PDUOutlet,
		RestartAttempts: snapshot.RestartAttempts,
	}
}

// UnitStatus reads the unit's power now; a PDU failure yields a disconnected reading, not an error
func (m *Master) UnitStatus(ctx context.Context, id string) (domain.UnitDetail, error) {
	m.fleetMu.RLock()
	defer m.fleetMu.RUnlock()

	unit, err := m.unitLocked(id)
	if err != nil {
		return domain.UnitDetail{}, err
	}

	power := domain.PowerReading{}
	if watts, err := unit.ReadPower(ctx); err != nil {
		m.logger.Debugf("Power reading unavailable, server: %s, error: %v", id, err)
	} else {
		power = domain.PowerReading{Watts: watts, Connected: true}
	}

	snapshot := unit.Snapshot()
	return domain.UnitDetail{
		UnitSummary: summaryOf(snapshot),
		Host:        snapshot.Host,
		PDUAddress:  snapshot.PDUAddress,
		MinPower:    snapshot.MinPower,
		Power:       power,
		LastCheck:   snapshot.LastCheck,
		LastError:   snapshot.LastError,
	}, nil
}

// ManualRestart restarts one unit on operator request
func (m *Master) ManualRestart(ctx context.Context, id string, hard bool) (workers.RestartResult, error) {
	m.fleetMu.RLock()
	defer m.fleetMu.RUnlock()

	unit, err := m.unitLocked(id)
	if err != nil {
		return workers.RestartResult{}, err
	}

	m.logger.Infof("Manual restart requested, server: %s, hard: %t", id, hard)
	result, err := unit.Restart(ctx, hard)
	if err != nil {
		m.logger.Errorf("Manual restart failed, server: %s, error: %v", id, err)
		return result, err
	}
	return result, nil
}

// Reload stops the checks and swaps the whole fleet once no tick or command uses the old one.
// Checks are not restarted.
func (m *Master) Reload(units []*workers.ServerUnit) error {
	index, err := indexUnits(units)
	if err != nil {
		return err
	}

	m.StopChecks()

	m.fleetMu.Lock()
	defer m.fleetMu.Unlock()

	for id := range m.index {
		if _, kept := index[id]; !kept {
			m.observer.Forget(id)
		}
	}
	m.units = units
	m.index = index

	m.logger.Infof("Fleet reloaded, servers: %d", len(units))
	return nil
}

func (m *Master) CheckInterval() time.Duration {
	return m.options.CheckInterval
}

func (m *Master) Size() int {
	m.fleetMu.RLock()
	defer m.fleetMu.RUnlock()
	return len(m.units)
}

func (m *Master) unitLocked(id string) (*workers.ServerUnit, error) {
	unit, exists := m.index[id]
	if !exists {
		return nil, errors.NewNotFoundError(fmt.Sprintf("server %s not found", id), nil).WithContext("server_id", id)
	}
	return unit, nil
}
