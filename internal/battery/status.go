package battery

// Status classifies a battery device against its effective threshold.
type Status string

const (
	StatusCritical    Status = "critical"
	StatusWarning     Status = "warning"
	StatusHealthy     Status = "healthy"
	StatusUnavailable Status = "unavailable"
)

// WarningBuffer is the band above the threshold that still reports WARNING.
const WarningBuffer = 10

// AllStatuses lists every status in classification order.
var AllStatuses = []Status{StatusCritical, StatusWarning, StatusHealthy, StatusUnavailable}

// Rank returns the sort rank for priority ordering (critical first).
func (s Status) Rank() int {
	switch s {
	case StatusCritical:
		return 0
	case StatusWarning:
		return 1
	case StatusHealthy:
		return 2
	default:
		return 3
	}
}

// ValidStatus reports whether s names a known status.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusCritical, StatusWarning, StatusHealthy, StatusUnavailable:
		return true
	}
	return false
}

// Classify maps a record and its effective threshold to a status.
// Unavailable records classify as unavailable regardless of level.
func Classify(r *Record, threshold int) Status {
	if !r.Available {
		return StatusUnavailable
	}
	if r.BatteryLevel <= float64(threshold) {
		return StatusCritical
	}
	if r.BatteryLevel <= float64(threshold+WarningBuffer) {
		return StatusWarning
	}
	return StatusHealthy
}
