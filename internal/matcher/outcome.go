package matcher

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Classification is the primary reading of an Outcome.
type Classification string

const (
	Granted Classification = "granted"
	Expired Classification = "expired"
	Denied  Classification = "denied"
)

// DefaultDeniedMessage is shown when a denial carries no message.
const DefaultDeniedMessage = "Face not recognized"

// Subject is the identity attached to a match.
type Subject struct {
	ID             string `json:"id"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	MembershipType string `json:"membershipType,omitempty"`
	PhotoPath      string `json:"photoPath,omitempty"`
}

// DisplayName joins first and last name.
func (s *Subject) DisplayName() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// Outcome is the decision for one submitted frame.
type Outcome struct {
	Verified           bool          `json:"verified"`
	PartialMatch       bool          `json:"partialMatch"`
	Expired            bool          `json:"expired"`
	Confidence         *float64      `json:"confidence,omitempty"`
	Subject            *Subject      `json:"subject,omitempty"`
	MembershipDaysLeft *int          `json:"membershipDaysLeft,omitempty"`
	ExpiredDate        *time.Time    `json:"expiredDate,omitempty"`
	Message            string        `json:"message,omitempty"`
	ErrorDetail        string        `json:"error,omitempty"`
	Latency            time.Duration `json:"latency"`
	RequestID          string        `json:"requestId,omitempty"`
}

// Classification: expiry wins over a match, anything else is a denial.
func (o *Outcome) Classification() Classification {
	switch {
	case o.Expired:
		return Expired
	case o.Verified:
		return Granted
	default:
		return Denied
	}
}

// MessageLines splits the human readable message, falling back to the
// default denial text.
func (o *Outcome) MessageLines() []string {
	msg := strings.TrimRight(o.Message, "\n")
	if msg == "" {
		return []string{DefaultDeniedMessage}
	}
	return strings.Split(msg, "\n")
}

// ExpiresSoon reports a granted membership ending within days.
func (o *Outcome) ExpiresSoon(days int) bool {
	return o.MembershipDaysLeft != nil && *o.MembershipDaysLeft > 0 && *o.MembershipDaysLeft <= days
}

type wireOutcome struct {
	Verified           *bool        `json:"verified"`
	PartialMatch       bool         `json:"partialMatch"`
	Expired            bool         `json:"expired"`
	Confidence         *float64     `json:"confidence"`
	Member             *wireSubject `json:"member"`
	Subject            *wireSubject `json:"subject"`
	MembershipDaysLeft *float64     `json:"membershipDaysLeft"`
	ExpiredDate        string       `json:"expiredDate"`
	Message            string       `json:"message"`
	Error              string       `json:"error"`
}

type wireSubject struct {
	ID             FlexibleID `json:"id"`
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	MembershipType string     `json:"membershipType"`
	PhotoPath      string     `json:"photoPath"`
}

// FlexibleID accepts both numeric and string identifiers, as the matcher
// and registry emit either depending on their storage backend.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = FlexibleID(strconv.FormatFloat(n, 'f', -1, 64))
	return nil
}

// DecodeOutcome validates and converts a matcher response body.
func DecodeOutcome(body []byte) (*Outcome, error) {
	var wire wireOutcome
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&wire); err != nil {
		return nil, &ProtocolError{Reason: "response is not a JSON outcome", Err: err}
	}
	if wire.Verified == nil {
		return nil, protocolErrorf("response has no verified field")
	}

	out := &Outcome{
		Verified:     *wire.Verified,
		PartialMatch: wire.PartialMatch,
		Expired:      wire.Expired,
		Message:      wire.Message,
		ErrorDetail:  wire.Error,
	}

	if wire.Confidence != nil {
		c, err := normalizeConfidence(*wire.Confidence)
		if err != nil {
			return nil, err
		}
		out.Confidence = &c
	}

	subject := wire.Subject
	if subject == nil {
		subject = wire.Member
	}
	if subject != nil {
		out.Subject = &Subject{
			ID:             string(subject.ID),
			FirstName:      subject.FirstName,
			LastName:       subject.LastName,
			MembershipType: subject.MembershipType,
			PhotoPath:      subject.PhotoPath,
		}
	}
	if (out.Verified || out.Expired) && out.Subject == nil {
		return nil, protocolErrorf("%s outcome without subject", out.Classification())
	}

	if wire.MembershipDaysLeft != nil {
		days := int(*wire.MembershipDaysLeft)
		out.MembershipDaysLeft = &days
	}

	if wire.ExpiredDate != "" {
		ts, err := parseDate(wire.ExpiredDate)
		if err != nil {
			return nil, &ProtocolError{Reason: "invalid expiredDate", Err: err}
		}
		out.ExpiredDate = &ts
	}
	return out, nil
}

// Scores above 1 are percentages.
func normalizeConfidence(v float64) (float64, error) {
	switch {
	case v < 0 || v > 100:
		return 0, protocolErrorf("confidence %v out of range", v)
	case v > 1:
		return v / 100, nil
	default:
		return v, nil
	}
}

func parseDate(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", s)
}
