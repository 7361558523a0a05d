package master

import (
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/core-tools/hsu-powerguard/pkg/errors"
)

// ValidateServerID validates server ID format and constraints.
// IDs may contain spaces, the shell accepts them quoted.
func ValidateServerID(id string) error {
	if id == "" {
		return errors.NewValidationError("server ID cannot be empty", nil)
	}

	if len(id) > 64 {
		return errors.NewValidationError("server ID cannot exceed 64 characters", nil)
	}

	if strings.TrimSpace(id) != id {
		return errors.NewValidationError("server ID cannot start or end with whitespace", nil)
	}

	for _, char := range id {
		if !isValidIDChar(char) {
			return errors.NewValidationError("server ID contains invalid characters: only printable characters without quotes are allowed", nil)
		}
	}

	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil)
	}
	return nil
}

// ValidateNetworkAddress validates a host:port address
func ValidateNetworkAddress(address string) error {
	return validateHostPort(address, false)
}

// ValidateListenAddress validates a listen address, the host part may be empty
func ValidateListenAddress(address string) error {
	return validateHostPort(address, true)
}

func validateHostPort(address string, allowEmptyHost bool) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	// Try to parse as host:port
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}

	if host == "" && !allowEmptyHost {
		return errors.NewValidationError("host cannot be empty in address: "+address, nil)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	if err := ValidatePort(port); err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	return nil
}

// ValidateTimeout validates timeout duration
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout < 0 {
		return errors.NewValidationError(name+" timeout cannot be negative", nil)
	}

	if timeout == 0 {
		return errors.NewValidationError(name+" timeout cannot be zero", nil)
	}

	return nil
}

func isValidIDChar(char rune) bool {
	return unicode.IsPrint(char) && char != '"' && char != '\''
}
