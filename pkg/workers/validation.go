package workers

import (
	"net"

	"github.com/core-tools/hsu-powerguard/pkg/errors"
	"github.com/core-tools/hsu-powerguard/pkg/monitoring"
)

func ValidateUnitConfig(config UnitConfig) error {
	if config.ID == "" {
		return errors.NewValidationError("server ID is required", nil)
	}

	if config.Host == "" {
		return errors.NewValidationError("host is required", nil).WithContext("server_id", config.ID)
	}

	if err := validateAddress(config.PDUAddress); err != nil {
		return errors.NewValidationError("invalid PDU address", err).WithContext("server_id", config.ID)
	}

	if config.PDUIndex < 0 {
		return errors.NewValidationError("PDU index cannot be negative", nil).WithContext("server_id", config.ID)
	}

	if config.PDUOutlet < 0 {
		return errors.NewValidationError("PDU outlet number cannot be negative", nil).WithContext("server_id", config.ID)
	}

	if err := monitoring.ValidatePowerThreshold(config.MinPower); err != nil {
		return errors.NewValidationError("invalid power threshold", err).WithContext("server_id", config.ID)
	}

	return nil
}

// validateAddress accepts an IP literal or a host name, without port
func validateAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("address cannot be empty", nil)
	}

	if _, _, err := net.SplitHostPort(address); err == nil {
		return errors.NewValidationError("address must not carry a port: "+address, nil)
	}

	return nil
}
