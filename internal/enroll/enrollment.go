package enroll

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/REFLX0/RAM/internal/frame"
)

// Angle is one head pose required for enrollment.
type Angle struct {
	ID          string
	Label       string
	Instruction string
}

// DefaultAngles returns the five poses in capture order.
func DefaultAngles() []Angle {
	return []Angle{
		{ID: "center", Label: "Center", Instruction: "Look DIRECTLY at the camera"},
		{ID: "left", Label: "Left", Instruction: "SLOWLY turn your head LEFT (30°)"},
		{ID: "right", Label: "Right", Instruction: "SLOWLY turn your head RIGHT (30°)"},
		{ID: "up", Label: "Up", Instruction: "GENTLY tilt your chin UP"},
		{ID: "down", Label: "Down", Instruction: "GENTLY tilt your chin DOWN"},
	}
}

// ErrValidation matches every ValidationError via errors.Is.
var ErrValidation = errors.New("enrollment validation failed")

// ValidationError rejects an enrollment before anything is sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Shot is the accepted frame for one angle.
type Shot struct {
	Angle Angle
	Frame frame.Frame
}

// Capture is the ordered result of a completed sequence.
type Capture struct {
	Shots []Shot
}

// AngleIDs lists the captured angles in order.
func (c *Capture) AngleIDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.Shots))
	for _, s := range c.Shots {
		ids = append(ids, s.Angle.ID)
	}
	return ids
}

// Primary returns the first (center) frame, used as the display photo.
func (c *Capture) Primary() (frame.Frame, bool) {
	if c == nil || len(c.Shots) == 0 {
		return frame.Frame{}, false
	}
	return c.Shots[0].Frame, true
}

// Validate checks that there is exactly one non-empty frame per angle, in order.
func (c *Capture) Validate(angles []Angle) error {
	if c == nil || len(c.Shots) != len(angles) {
		got := 0
		if c != nil {
			got = len(c.Shots)
		}
		return &ValidationError{Field: "photos", Reason: fmt.Sprintf("need %d angles, have %d", len(angles), got)}
	}
	for i, a := range angles {
		shot := c.Shots[i]
		if shot.Angle.ID != a.ID {
			return &ValidationError{Field: "photos", Reason: fmt.Sprintf("position %d holds %q, want %q", i, shot.Angle.ID, a.ID)}
		}
		if shot.Frame.Len() == 0 {
			return &ValidationError{Field: "photos", Reason: fmt.Sprintf("angle %q has no image", a.ID)}
		}
	}
	return nil
}

// Applicant holds the member attributes submitted with the photos.
type Applicant struct {
	FirstName          string
	LastName           string
	Email              string
	Phone              string
	MembershipType     string
	MembershipDuration int
	MembershipPrice    float64
}

// Validate rejects incomplete applicant records.
func (a Applicant) Validate() error {
	required := []struct {
		field, value string
	}{
		{"firstName", a.FirstName},
		{"lastName", a.LastName},
		{"email", a.Email},
		{"membershipType", a.MembershipType},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "required"}
		}
	}
	if _, err := mail.ParseAddress(a.Email); err != nil {
		return &ValidationError{Field: "email", Reason: "not a valid address"}
	}
	if a.MembershipDuration <= 0 {
		return &ValidationError{Field: "membershipDuration", Reason: "must be positive"}
	}
	if a.MembershipPrice < 0 {
		return &ValidationError{Field: "membershipPrice", Reason: "must not be negative"}
	}
	return nil
}
