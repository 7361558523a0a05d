package master

import (
	"context"

	"github.com/core-tools/hsu-powerguard/pkg/domain"
	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
	"github.com/core-tools/hsu-powerguard/pkg/workers"
)

// UnitLoader rebuilds the fleet from configuration for a reload
type UnitLoader func() ([]*workers.ServerUnit, error)

func NewMasterHandler(master *Master, loader UnitLoader, logger logging.Logger) domain.Contract {
	return &masterHandler{
		master: master,
		loader: loader,
		logger: logger,
	}
}

type masterHandler struct {
	master *Master
	loader UnitLoader
	logger logging.Logger
}

func (h *masterHandler) List(ctx context.Context) ([]domain.UnitSummary, error) {
	return h.master.StatusReport(), nil
}

func (h *masterHandler) Status(ctx context.Context, id string) (domain.UnitDetail, error) {
	return h.master.UnitStatus(ctx, id)
}

func (h *masterHandler) Restart(ctx context.Context, id string, hard bool) (domain.RestartOutcome, error) {
	result, err := h.master.ManualRestart(ctx, id, hard)
	if err != nil {
		return domain.RestartOutcome{}, err
	}

	outcome := domain.RestartOutcome{
		ID:         id,
		Kind:       string(result.Kind),
		Dispatched: true,
	}
	if result.Kind == workers.RestartKindSoft && !result.Shell.Dispatched() {
		outcome.Dispatched = false
		outcome.Message = "Server is unresponsive, consider a hard restart"
		if result.Shell.Err != nil {
			outcome.Message += ": " + result.Shell.Err.Error()
		}
	}
	return outcome, nil
}

func (h *masterHandler) Activate(ctx context.Context) error {
	if !h.master.StartChecks() {
		h.logger.Debugf("Activate requested, checks already running")
	}
	return nil
}

func (h *masterHandler) Deactivate(ctx context.Context) error {
	if !h.master.StopChecks() {
		h.logger.Debugf("Deactivate requested, checks not running")
	}
	return nil
}

func (h *masterHandler) Checks(ctx context.Context) (domain.CheckState, error) {
	return domain.CheckState{
		Running:  h.master.ChecksRunning(),
		Interval: h.master.CheckInterval(),
		Servers:  h.master.Size(),
	}, nil
}

// Reload leaves the running fleet untouched when the configuration cannot be loaded
func (h *masterHandler) Reload(ctx context.Context) error {
	if h.loader == nil {
		return errors.NewInternalError("reload is not configured", nil)
	}

	units, err := h.loader()
	if err != nil {
		h.logger.Errorf("Reload failed, keeping current fleet, error: %v", err)
		return err
	}

	return h.master.Reload(units)
}
