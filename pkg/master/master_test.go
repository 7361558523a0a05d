package master

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-powerguard/pkg/domain"
	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/remoteshell"
	"github.com/core-tools/hsu-powerguard/pkg/workers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

// inFlightGauge tracks the highest number of concurrent PDU reads across a fleet
type inFlightGauge struct {
	current int32
	max     int32
}

func (g *inFlightGauge) enter() {
	current := atomic.AddInt32(&g.current, 1)
	for {
		seen := atomic.LoadInt32(&g.max)
		if current <= seen || atomic.CompareAndSwapInt32(&g.max, seen, current) {
			return
		}
	}
}

func (g *inFlightGauge) leave() {
	atomic.AddInt32(&g.current, -1)
}

type stubPDU struct {
	watts     int32
	reads     int32
	sets      int32
	failReads atomic.Bool
	delay     time.Duration
	gauge     *inFlightGauge
}

func (s *stubPDU) ReadPower(ctx context.Context) (int, error) {
	if s.gauge != nil {
		s.gauge.enter()
		defer s.gauge.leave()
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	atomic.AddInt32(&s.reads, 1)
	if s.failReads.Load() {
		return 0, errors.NewPduUnreachableError("no response from PDU", nil)
	}
	return int(atomic.LoadInt32(&s.watts)), nil
}

func (s *stubPDU) SetPower(ctx context.Context, on bool) error {
	atomic.AddInt32(&s.sets, 1)
	return nil
}

func (s *stubPDU) readCount() int {
	return int(atomic.LoadInt32(&s.reads))
}

type stubShell struct {
	reboots int32
}

func (s *stubShell) Reboot(ctx context.Context) remoteshell.Result {
	atomic.AddInt32(&s.reboots, 1)
	return remoteshell.Result{Outcome: remoteshell.OutcomeDispatched}
}

// forgetObserver records the servers dropped from metrics
type forgetObserver struct {
	mu        sync.Mutex
	forgotten []string
}

func (o *forgetObserver) PowerRead(id string, watts int)         {}
func (o *forgetObserver) PowerReadFailed(id string)              {}
func (o *forgetObserver) Restarted(id string, kind string)       {}
func (o *forgetObserver) StatusChanged(id string, status string) {}

func (o *forgetObserver) Forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forgotten = append(o.forgotten, id)
}

func newTestUnit(id string, pdu *stubPDU, controlEnabled bool) *workers.ServerUnit {
	config := workers.UnitConfig{
		ID:             id,
		Host:           "10.0.0.10",
		PDUAddress:     "10.0.0.2",
		PDUIndex:       1,
		PDUOutlet:      2,
		MinPower:       100,
		ControlEnabled: controlEnabled,
	}
	options := workers.UnitOptions{Sleep: func(time.Duration) {}}
	return workers.NewServerUnit(config, pdu, &stubShell{}, options, newMockLogger())
}

func createTestMaster(t *testing.T, options MasterOptions, units ...*workers.ServerUnit) *Master {
	t.Helper()
	if options.CheckInterval == 0 {
		options.CheckInterval = time.Hour
	}
	master, err := NewMaster(options, units, newMockLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		master.StopChecks()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = master.Wait(ctx)
	})
	return master
}

func TestNewMaster(t *testing.T) {
	t.Run("valid_fleet", func(t *testing.T) {
		master := createTestMaster(t, MasterOptions{},
			newTestUnit("rack1", &stubPDU{watts: 500}, true),
			newTestUnit("rack2", &stubPDU{watts: 500}, true),
		)
		assert.Equal(t, 2, master.Size())
		assert.Equal(t, time.Hour, master.CheckInterval())
		assert.False(t, master.ChecksRunning())
	})

	t.Run("interval_too_short", func(t *testing.T) {
		_, err := NewMaster(MasterOptions{CheckInterval: time.Millisecond}, nil, newMockLogger())
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("duplicate_ids", func(t *testing.T) {
		_, err := NewMaster(MasterOptions{CheckInterval: time.Second}, []*workers.ServerUnit{
			newTestUnit("rack1", &stubPDU{}, true),
			newTestUnit("rack1", &stubPDU{}, true),
		}, newMockLogger())
		assert.True(t, errors.IsConflictError(err))
	})

	t.Run("negative_snmp_rate", func(t *testing.T) {
		_, err := NewMaster(MasterOptions{CheckInterval: time.Second, SNMPQueriesPerSecond: -1}, nil, newMockLogger())
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestMaster_StartStopChecks(t *testing.T) {
	pdu := &stubPDU{watts: 500}
	master := createTestMaster(t, MasterOptions{}, newTestUnit("rack1", pdu, true))

	assert.True(t, master.StartChecks())
	assert.False(t, master.StartChecks(), "second start is a no-op")
	assert.True(t, master.ChecksRunning())

	// First tick runs without waiting for the interval
	require.Eventually(t, func() bool { return pdu.readCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, master.StopChecks())
	assert.False(t, master.StopChecks(), "second stop is a no-op")
	assert.False(t, master.ChecksRunning())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, master.Wait(ctx))

	// Restart runs a fresh immediate tick
	assert.True(t, master.StartChecks())
	require.Eventually(t, func() bool { return pdu.readCount() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestMaster_StopDuringLongTick(t *testing.T) {
	waitStopped := func(t *testing.T, master *Master) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, master.Wait(ctx))
	}

	t.Run("no_tick_after_stop", func(t *testing.T) {
		for i := 0; i < 8; i++ {
			pdu := &stubPDU{watts: 500, delay: 300 * time.Millisecond}
			master := createTestMaster(t, MasterOptions{CheckInterval: time.Second}, newTestUnit("rack1", pdu, true))
			// Shorter than the tick so the ticker is ready when the tick ends
			master.options.CheckInterval = 100 * time.Millisecond

			master.StartChecks()
			time.Sleep(150 * time.Millisecond)
			master.StopChecks()
			waitStopped(t, master)

			assert.Equal(t, 1, pdu.readCount(), "only the tick in progress completes")
		}
	})

	t.Run("restart_waits_for_previous_loop", func(t *testing.T) {
		gauge := &inFlightGauge{}
		pdu := &stubPDU{watts: 500, delay: 200 * time.Millisecond, gauge: gauge}
		master := createTestMaster(t, MasterOptions{}, newTestUnit("rack1", pdu, true))

		master.StartChecks()
		time.Sleep(50 * time.Millisecond)
		master.StopChecks()
		assert.True(t, master.StartChecks())

		require.Eventually(t, func() bool { return pdu.readCount() == 2 }, 3*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), atomic.LoadInt32(&gauge.max), "loops never tick concurrently")

		master.StopChecks()
		waitStopped(t, master)
	})

	t.Run("reload_during_tick_does_not_check_new_fleet", func(t *testing.T) {
		pdu := &stubPDU{watts: 500, delay: 200 * time.Millisecond}
		master := createTestMaster(t, MasterOptions{}, newTestUnit("rack1", pdu, true))

		master.StartChecks()
		time.Sleep(50 * time.Millisecond)

		replacement := &stubPDU{watts: 500}
		require.NoError(t, master.Reload([]*workers.ServerUnit{newTestUnit("rack2", replacement, true)}))
		waitStopped(t, master)

		assert.Equal(t, 0, replacement.readCount())
		assert.False(t, master.ChecksRunning())
	})
}

func TestMaster_Wait(t *testing.T) {
	t.Run("never_started", func(t *testing.T) {
		master := createTestMaster(t, MasterOptions{})
		assert.NoError(t, master.Wait(context.Background()))
	})

	t.Run("cancelled_while_running", func(t *testing.T) {
		master := createTestMaster(t, MasterOptions{})
		master.StartChecks()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := master.Wait(ctx)
		assert.True(t, errors.IsCancelledError(err))
	})
}

func TestMaster_TickIntervals(t *testing.T) {
	pdu := &stubPDU{watts: 500}
	master := createTestMaster(t, MasterOptions{CheckInterval: time.Second}, newTestUnit("rack1", pdu, true))

	master.StartChecks()
	require.Eventually(t, func() bool { return pdu.readCount() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestMaster_TickSkipsUnevaluatedUnits(t *testing.T) {
	active := &stubPDU{watts: 500}
	parked := &stubPDU{watts: 0}

	var reports [][]domain.UnitSummary
	var reportsMu sync.Mutex
	master := createTestMaster(t, MasterOptions{
		OnTick: func(report []domain.UnitSummary) {
			reportsMu.Lock()
			defer reportsMu.Unlock()
			reports = append(reports, report)
		},
	}, newTestUnit("rack1", active, true), newTestUnit("rack2", parked, false))

	master.tick(nil)

	assert.Equal(t, 1, active.readCount())
	assert.Equal(t, 0, parked.readCount())
	assert.Equal(t, int32(0), atomic.LoadInt32(&parked.sets))

	reportsMu.Lock()
	defer reportsMu.Unlock()
	require.Len(t, reports, 1)
	require.Len(t, reports[0], 2)
	assert.Equal(t, "rack1", reports[0][0].ID)
	assert.Equal(t, "maintenance", reports[0][1].Status)
}

func TestMaster_TickDrivesStateMachine(t *testing.T) {
	pdu := &stubPDU{watts: 50}
	unit := newTestUnit("rack1", pdu, true)
	master := createTestMaster(t, MasterOptions{}, unit)

	master.tick(nil)
	assert.Equal(t, workers.StatusInactive, unit.Status())

	master.tick(nil)
	assert.Equal(t, workers.StatusRunning, unit.Status())
	assert.Equal(t, 1, unit.RestartAttempts())

	atomic.StoreInt32(&pdu.watts, 500)
	master.tick(nil)
	assert.Equal(t, 0, unit.RestartAttempts())
}

func TestMaster_MaxParallelChecks(t *testing.T) {
	tests := []struct {
		name     string
		parallel int
		expected int32
	}{
		{"sequential_by_default", 0, 1},
		{"bounded_to_two", 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gauge := &inFlightGauge{}
			var units []*workers.ServerUnit
			for i := 0; i < 6; i++ {
				pdu := &stubPDU{watts: 500, delay: 20 * time.Millisecond, gauge: gauge}
				units = append(units, newTestUnit(fmt.Sprintf("rack%d", i), pdu, true))
			}
			master := createTestMaster(t, MasterOptions{MaxParallelChecks: tt.parallel}, units...)

			master.tick(nil)

			assert.Equal(t, tt.expected, atomic.LoadInt32(&gauge.max))
		})
	}
}

func TestMaster_SNMPPacing(t *testing.T) {
	var units []*workers.ServerUnit
	for i := 0; i < 3; i++ {
		units = append(units, newTestUnit(fmt.Sprintf("rack%d", i), &stubPDU{watts: 500}, true))
	}
	master := createTestMaster(t, MasterOptions{SNMPQueriesPerSecond: 20}, units...)

	start := time.Now()
	master.tick(nil)

	// burst of one, then 50ms per query
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestMaster_StatusReport(t *testing.T) {
	master := createTestMaster(t, MasterOptions{},
		newTestUnit("rack2", &stubPDU{watts: 500}, true),
		newTestUnit("rack1", &stubPDU{watts: 500}, false),
	)

	report := master.StatusReport()

	require.Len(t, report, 2)
	assert.Equal(t, "rack2", report[0].ID, "configuration order is kept")
	assert.Equal(t, "running", report[0].Status)
	assert.Equal(t, 1, report[0].PDUIndex)
	assert.Equal(t, 2, report[0].PDUOutlet)
	assert.Equal(t, "maintenance", report[1].Status)
}

func TestMaster_UnitStatus(t *testing.T) {
	pdu := &stubPDU{watts: 420}
	master := createTestMaster(t, MasterOptions{}, newTestUnit("rack 1", pdu, true))

	t.Run("connected", func(t *testing.T) {
		detail, err := master.UnitStatus(context.Background(), "rack 1")
		require.NoError(t, err)
		assert.Equal(t, "rack 1", detail.ID)
		assert.True(t, detail.Power.Connected)
		assert.Equal(t, 420, detail.Power.Watts)
		assert.Equal(t, "10.0.0.10", detail.Host)
		assert.Equal(t, 100, detail.MinPower)
	})

	t.Run("pdu_unreachable", func(t *testing.T) {
		pdu.failReads.Store(true)
		defer pdu.failReads.Store(false)

		detail, err := master.UnitStatus(context.Background(), "rack 1")
		require.NoError(t, err)
		assert.False(t, detail.Power.Connected)
		assert.Equal(t, "No connection", detail.Power.String())
	})

	t.Run("unknown_id", func(t *testing.T) {
		reads := pdu.readCount()
		_, err := master.UnitStatus(context.Background(), "rack9")
		assert.True(t, errors.IsNotFoundError(err))
		assert.Equal(t, reads, pdu.readCount())
	})
}

func TestMaster_ManualRestart(t *testing.T) {
	t.Run("soft", func(t *testing.T) {
		master := createTestMaster(t, MasterOptions{}, newTestUnit("rack1", &stubPDU{watts: 500}, true))

		result, err := master.ManualRestart(context.Background(), "rack1", false)
		require.NoError(t, err)
		assert.Equal(t, workers.RestartKindSoft, result.Kind)
		assert.True(t, result.Shell.Dispatched())
	})

	t.Run("hard", func(t *testing.T) {
		pdu := &stubPDU{watts: 500}
		master := createTestMaster(t, MasterOptions{}, newTestUnit("rack1", pdu, true))

		result, err := master.ManualRestart(context.Background(), "rack1", true)
		require.NoError(t, err)
		assert.Equal(t, workers.RestartKindHard, result.Kind)
		assert.Equal(t, int32(2), atomic.LoadInt32(&pdu.sets))
	})

	t.Run("maintenance_refused", func(t *testing.T) {
		pdu := &stubPDU{watts: 500}
		master := createTestMaster(t, MasterOptions{}, newTestUnit("rack1", pdu, false))

		_, err := master.ManualRestart(context.Background(), "rack1", true)
		assert.True(t, errors.IsMaintenanceError(err))
		assert.Equal(t, int32(0), atomic.LoadInt32(&pdu.sets))
	})

	t.Run("unknown_id", func(t *testing.T) {
		pdu := &stubPDU{watts: 500}
		master := createTestMaster(t, MasterOptions{}, newTestUnit("rack1", pdu, true))

		_, err := master.ManualRestart(context.Background(), "rack2", true)
		assert.True(t, errors.IsNotFoundError(err))
		assert.Equal(t, int32(0), atomic.LoadInt32(&pdu.sets))
	})
}

func TestMaster_Reload(t *testing.T) {
	t.Run("swaps_fleet_and_stops_checks", func(t *testing.T) {
		observer := &forgetObserver{}
		master := createTestMaster(t, MasterOptions{Observer: observer},
			newTestUnit("rack1", &stubPDU{watts: 500}, true),
			newTestUnit("rack2", &stubPDU{watts: 500}, true),
		)
		master.StartChecks()

		err := master.Reload([]*workers.ServerUnit{
			newTestUnit("rack2", &stubPDU{watts: 500}, true),
			newTestUnit("rack3", &stubPDU{watts: 500}, true),
		})
		require.NoError(t, err)

		assert.False(t, master.ChecksRunning())
		report := master.StatusReport()
		require.Len(t, report, 2)
		assert.Equal(t, "rack2", report[0].ID)
		assert.Equal(t, "rack3", report[1].ID)
		assert.Equal(t, []string{"rack1"}, observer.forgotten)

		_, err = master.UnitStatus(context.Background(), "rack1")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("duplicate_ids_keep_old_fleet", func(t *testing.T) {
		master := createTestMaster(t, MasterOptions{}, newTestUnit("rack1", &stubPDU{watts: 500}, true))
		master.StartChecks()

		err := master.Reload([]*workers.ServerUnit{
			newTestUnit("rack2", &stubPDU{}, true),
			newTestUnit("rack2", &stubPDU{}, true),
		})
		assert.True(t, errors.IsConflictError(err))
		assert.True(t, master.ChecksRunning())
		assert.Equal(t, 1, master.Size())
	})
}

func TestMaster_ConcurrentOperations(t *testing.T) {
	var units []*workers.ServerUnit
	for i := 0; i < 5; i++ {
		units = append(units, newTestUnit(fmt.Sprintf("rack%d", i), &stubPDU{watts: 500, delay: time.Millisecond}, true))
	}
	master := createTestMaster(t, MasterOptions{CheckInterval: time.Second, MaxParallelChecks: 3}, units...)
	master.StartChecks()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("rack%d", i%5)
			master.StatusReport()
			if _, err := master.UnitStatus(context.Background(), id); err != nil {
				errs <- err
			}
			if _, err := master.ManualRestart(context.Background(), id, false); err != nil {
				errs <- err
			}
			if i%2 == 0 {
				master.StopChecks()
			} else {
				master.StartChecks()
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 5, master.Size())
}
