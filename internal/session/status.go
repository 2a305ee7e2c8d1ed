package session

import (
	"fmt"
	"time"

	"github.com/REFLX0/RAM/internal/matcher"
)

// Phase is the controller's lifecycle position.
type Phase int

const (
	Idle Phase = iota
	Scanning
	AwaitingResult
	Halted
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case AwaitingResult:
		return "awaiting_result"
	case Halted:
		return "halted"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON payloads.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// StatusKind identifies what the kiosk display should show.
type StatusKind string

const (
	StatusReady   StatusKind = "ready"
	StatusGranted StatusKind = "granted"
	StatusExpired StatusKind = "expired"
	StatusDenied  StatusKind = "denied"
	StatusStopped StatusKind = "stopped"
)

// Display titles.
const (
	TitleReady           = "Ready to scan"
	TitleAccessGranted   = "ACCESS GRANTED"
	TitleFaceRecognized  = "FACE RECOGNIZED"
	TitleMembershipEnded = "MEMBERSHIP EXPIRED"
	TitleAccessDenied    = "ACCESS DENIED"
	TitleStopped         = "Scanner stopped"
)

// Status is one published display state. Seq increases monotonically per
// controller so consumers can drop stale updates.
type Status struct {
	Seq        uint64           `json:"seq"`
	Kind       StatusKind       `json:"kind"`
	Title      string           `json:"title"`
	Lines      []string         `json:"lines,omitempty"`
	Outcome    *matcher.Outcome `json:"outcome,omitempty"`
	SessionID  string           `json:"sessionId,omitempty"`
	At         time.Time        `json:"at"`
	ClearAfter time.Duration    `json:"clearAfter,omitempty"`
}

// Observer receives status changes and absorbed tick failures. Methods are
// invoked with the controller lock held and must not call back into it.
type Observer interface {
	StatusChanged(Status)
	TickFailed(sessionID string, err error)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) StatusChanged(Status) {}

func (NopObserver) TickFailed(string, error) {}

// State is a point-in-time copy of the controller.
type State struct {
	Phase         Phase            `json:"phase"`
	TicksInFlight int              `json:"ticksInFlight"`
	LastOutcome   *matcher.Outcome `json:"lastOutcome,omitempty"`
	HaltReason    string           `json:"haltReason,omitempty"`
	SessionID     string           `json:"sessionId,omitempty"`
	StartedAt     time.Time        `json:"startedAt,omitempty"`
	Display       Status           `json:"display"`
}

func grantedTitle(o *matcher.Outcome) string {
	if o.PartialMatch {
		return TitleFaceRecognized
	}
	return TitleAccessGranted
}

// expiryWarningDays is how close to expiry a granted member gets a warning.
const expiryWarningDays = 7

func grantedLines(o *matcher.Outcome) []string {
	var lines []string
	if o.Subject != nil {
		membership := o.Subject.MembershipType
		if membership == "" {
			membership = "Standard"
		}
		lines = append(lines, o.Subject.DisplayName(), "Membership: "+membership)
	}
	if o.ExpiresSoon(expiryWarningDays) {
		days := *o.MembershipDaysLeft
		unit := "days"
		if days == 1 {
			unit = "day"
		}
		lines = append(lines, fmt.Sprintf("Expires in %d %s!", days, unit))
	}
	if o.PartialMatch {
		lines = append(lines, "Please update your membership record at front desk")
	}
	return lines
}

func expiredLines(o *matcher.Outcome) []string {
	var lines []string
	if o.Subject != nil {
		lines = append(lines, o.Subject.DisplayName())
	}
	lines = append(lines, "Please renew your subscription")
	if o.ExpiredDate != nil {
		lines = append(lines, "Expired: "+o.ExpiredDate.Format("2006-01-02"))
	}
	return lines
}

func deniedLines(o *matcher.Outcome) []string {
	lines := o.MessageLines()
	if o.ErrorDetail != "" {
		lines = append(lines, o.ErrorDetail)
	}
	return lines
}
