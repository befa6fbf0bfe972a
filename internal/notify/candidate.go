package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Severity orders notifications; higher values are more urgent.
type Severity int

const (
	SeverityInfo Severity = iota + 1
	SeverityWarning
	SeverityCritical
)

// ParseSeverity maps a level name to its ordinal.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "critical", "crit":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("notify: unknown severity %q", s)
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Notification is the payload handed to every channel sender.
type Notification struct {
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Severity   Severity        `json:"-"`
	Category   string          `json:"category"`
	Symbol     string          `json:"symbol"`
	Kind       string          `json:"kind"`
	Direction  string          `json:"direction,omitempty"`
	MonitorKey string          `json:"monitor"`
	RuleID     string          `json:"rule_id,omitempty"`
	Value      decimal.Decimal `json:"value"`
	Threshold  decimal.Decimal `json:"threshold"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Candidate is a notification on its way through the router.
type Candidate struct {
	Notification
	Fingerprint string
	Channels    []string
}

var numberPattern = regexp.MustCompile(`[-+]?\d+(?:[.,]\d+)*`)

// Fingerprint hashes kind, subject and message text with numbers masked, so
// repeated triggers that only differ by price collapse onto the same key.
func Fingerprint(kind, subject, message string) string {
	normalized := strings.ToLower(message)
	normalized = numberPattern.ReplaceAllString(normalized, "#")
	normalized = strings.Join(strings.Fields(normalized), " ")

	sum := sha256.Sum256([]byte(kind + "\x00" + strings.ToUpper(subject) + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}
