package domain

import (
	"context"
	"strconv"
	"time"
)

// Contract is the operator surface of a powerguard instance, served locally by the master and
// remotely over HTTP
type Contract interface {
	// List returns every server in configuration order
	List(ctx context.Context) ([]UnitSummary, error)
	// Status returns one server with a fresh, best-effort power reading
	Status(ctx context.Context, id string) (UnitDetail, error)
	// Restart restarts one server on operator request
	Restart(ctx context.Context, id string, hard bool) (RestartOutcome, error)
	// Activate starts the periodic checks
	Activate(ctx context.Context) error
	// Deactivate stops the periodic checks
	Deactivate(ctx context.Context) error
	// Checks reports whether the periodic checks run
	Checks(ctx context.Context) (CheckState, error)
	// Reload rebuilds the fleet from configuration; checks stay stopped afterwards
	Reload(ctx context.Context) error
}

type UnitSummary struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	PDUIndex        int    `json:"pdu_index"`
	PDUOutlet       int    `json:"pdu_outlet"`
	RestartAttempts int    `json:"restart_attempts"`
}

// PowerReading is a power draw that may be missing when the PDU did not answer
type PowerReading struct {
	Watts     int  `json:"watts"`
	Connected bool `json:"connected"`
}

func (p PowerReading) String() string {
	if !p.Connected {
		return "No connection"
	}
	return strconv.Itoa(p.Watts)
}

type UnitDetail struct {
	UnitSummary
	Host       string       `json:"host"`
	PDUAddress string       `json:"pdu_address"`
	MinPower   int          `json:"min_power"`
	Power      PowerReading `json:"power"`
	LastCheck  time.Time    `json:"last_check"`
	LastError  string       `json:"last_error,omitempty"`
}

type RestartOutcome struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	// Dispatched is false when a soft restart could not reach the host
	Dispatched bool   `json:"dispatched"`
	Message    string `json:"message,omitempty"`
}

type CheckState struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	Servers  int           `json:"servers"`
}
