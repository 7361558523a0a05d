package monitoring

// PowerOffCutoff is the draw in watts at or below which a server is treated as powered off,
// whatever its configured threshold
const PowerOffCutoff = 30

// PowerClass is the health verdict derived from a single power reading
type PowerClass string

const (
	// PowerClassCutoff means the box is effectively off, only a power cycle can help
	PowerClassCutoff PowerClass = "cutoff"
	// PowerClassIdle means the box is powered but below its working threshold
	PowerClassIdle PowerClass = "idle"
	// PowerClassHealthy means the box draws at least its working threshold
	PowerClassHealthy PowerClass = "healthy"
)

// ClassifyPower maps a reading against the server's idle threshold
func ClassifyPower(watts, minPower int) PowerClass {
	switch {
	case watts <= PowerOffCutoff:
		return PowerClassCutoff
	case watts < minPower:
		return PowerClassIdle
	default:
		return PowerClassHealthy
	}
}

// Observer receives the telemetry a server unit produces while being checked and restarted
type Observer interface {
	PowerRead(serverID string, watts int)
	PowerReadFailed(serverID string)
	Restarted(serverID string, kind string)
	StatusChanged(serverID string, status string)
	Forget(serverID string)
}

type nopObserver struct{}

func (nopObserver) PowerRead(string, int)        {}
func (nopObserver) PowerReadFailed(string)       {}
func (nopObserver) Restarted(string, string)     {}
func (nopObserver) StatusChanged(string, string) {}
func (nopObserver) Forget(string)                {}

// NopObserver discards everything
func NopObserver() Observer {
	return nopObserver{}
}
