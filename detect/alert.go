package detect

import (
	"encoding/json"
	"fmt"
	"time"
)

// AlertType classifies what the detector observed.
type AlertType string

const (
	AlertMultipleFailedLogins AlertType = "multiple_failed_logins"
	AlertSuspiciousIP         AlertType = "suspicious_ip"
	AlertUnusualLocation      AlertType = "unusual_location"
	AlertBruteForce           AlertType = "brute_force"
)

// Severity represents how urgent an alert is.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Alert is a detected security condition. Alerts are resolved only by an
// operator.
type Alert struct {
	ID         string         `json:"id"`
	Type       AlertType      `json:"type"`
	Severity   Severity       `json:"severity"`
	UserID     string         `json:"user_id,omitempty"`
	IP         string         `json:"ip"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Critical reports whether the alert blocks the request that raised it.
func (a Alert) Critical() bool {
	return a.Severity >= SeverityCritical
}

// sameSubject reports whether a and b describe the same condition for the
// same caller.
func (a Alert) sameSubject(b Alert) bool {
	return a.Type == b.Type && a.UserID == b.UserID && a.IP == b.IP
}
