package monitoring

import (
	"fmt"
	"time"

	"github.com/core-tools/hsu-powerguard/pkg/errors"
)

// ValidatePowerThreshold validates a server's idle threshold in watts
func ValidatePowerThreshold(minPower int) error {
	if minPower <= 0 {
		return errors.NewValidationError("min power must be positive", nil).WithContext("min_power", minPower)
	}

	if minPower <= PowerOffCutoff {
		return errors.NewValidationError(
			fmt.Sprintf("min power must be above the %dW power-off cutoff", PowerOffCutoff),
			nil,
		).WithContext("min_power", minPower)
	}

	return nil
}

// ValidateCheckInterval validates the time between two fleet checks
func ValidateCheckInterval(interval time.Duration) error {
	if interval <= 0 {
		return errors.NewValidationError("check interval must be positive", nil)
	}

	if interval < time.Second {
		return errors.NewValidationError("check interval must be at least one second", nil).
			WithContext("check_interval", interval.String())
	}

	return nil
}

// ValidateRestartWaits validates the power-off durations of a hard restart
func ValidateRestartWaits(normal, extended time.Duration) error {
	if normal <= 0 {
		return errors.NewValidationError("normal restart wait must be positive", nil)
	}

	if extended < normal {
		return errors.NewValidationError("extended restart wait cannot be shorter than the normal wait", nil).
			WithContext("normal_wait", normal.String()).
			WithContext("extended_wait", extended.String())
	}

	return nil
}
