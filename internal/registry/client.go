package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/REFLX0/RAM/internal/enroll"
	"github.com/REFLX0/RAM/internal/logging"
	"github.com/REFLX0/RAM/internal/matcher"
)

const (
	RegisterPath  = "/api/members/register"
	MembersPath   = "/api/members"
	AccessLogPath = "/api/logs/access"
	DashboardPath = "/api/stats/dashboard"
)

const maxResponseSize = 4 << 20

// RegistryError is a non-2xx answer from the registry. Reason carries the
// server's own error text.
type RegistryError struct {
	Status int
	Reason string
}

func (e *RegistryError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("registry rejected request (status %d)", e.Status)
	}
	return fmt.Sprintf("registry rejected request (status %d): %s", e.Status, e.Reason)
}

// Registration is the registry's acknowledgement of a new member.
type Registration struct {
	MemberID       matcher.FlexibleID `json:"memberId"`
	TrainingStatus string             `json:"trainingStatus,omitempty"`
}

// Member is one registry record.
type Member struct {
	ID             matcher.FlexibleID `json:"id"`
	FirstName      string             `json:"firstName"`
	LastName       string             `json:"lastName"`
	Email          string             `json:"email"`
	Phone          string             `json:"phone,omitempty"`
	MembershipType string             `json:"membershipType"`
	PhotoPath      string             `json:"photoPath,omitempty"`
	LastAccess     *time.Time         `json:"lastAccess,omitempty"`
}

// Matches reports whether query occurs, case-insensitively, in any of the
// fields an operator sees in the member list. An empty query matches.
func (m Member) Matches(query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	fields := []string{string(m.ID), m.FirstName + " " + m.LastName, m.Email, m.Phone, m.MembershipType}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), query) {
			return true
		}
	}
	return false
}

// AccessLog is one registry access entry.
type AccessLog struct {
	Timestamp time.Time `json:"timestamp"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
}

// Dashboard summarises today's traffic.
type Dashboard struct {
	TotalMembers  int      `json:"totalMembers"`
	TodayAccess   int      `json:"todayAccess"`
	TodayDenied   int      `json:"todayDenied"`
	RecentMembers []Member `json:"recentMembers"`
}

// SuccessRate is the share of granted attempts today, in percent rounded to
// one decimal. It is zero when there were no attempts.
func (d Dashboard) SuccessRate() float64 {
	total := d.TodayAccess + d.TodayDenied
	if total <= 0 {
		return 0
	}
	rate := float64(d.TodayAccess) / float64(total) * 100
	parsed, _ := strconv.ParseFloat(strconv.FormatFloat(rate, 'f', 1, 64), 64)
	return parsed
}

// Client talks to the member registry.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
	angles []enroll.Angle
	newID  func() string
}

// NewClient builds a registry client. token may be empty.
func NewClient(baseURL, token string, client *http.Client, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid registry url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		base:   base,
		token:  token,
		http:   client,
		logger: logger.Named("registry"),
		angles: enroll.DefaultAngles(),
		newID:  uuid.NewString,
	}, nil
}

// Register submits the applicant and one photo per angle. Both are validated
// first; nothing is sent for an invalid enrollment.
func (c *Client) Register(ctx context.Context, applicant enroll.Applicant, capture *enroll.Capture) (*Registration, error) {
	if err := applicant.Validate(); err != nil {
		return nil, err
	}
	if err := capture.Validate(c.angles); err != nil {
		return nil, err
	}

	body, contentType, err := encodeRegistration(applicant, capture)
	if err != nil {
		return nil, logging.NewOperationError("registry.register", "", err)
	}

	var reg Registration
	if err := c.do(ctx, "registry.register", http.MethodPost, RegisterPath, nil, contentType, body, &reg); err != nil {
		return nil, err
	}
	if reg.MemberID == "" {
		return nil, logging.NewOperationError("registry.register", "", &matcher.ProtocolError{Reason: "registration response has no memberId"})
	}
	c.logger.Info("member registered",
		zap.String("member_id", string(reg.MemberID)),
		zap.String("training_status", reg.TrainingStatus),
	)
	return &reg, nil
}

// Members lists every registered member.
func (c *Client) Members(ctx context.Context) ([]Member, error) {
	var payload struct {
		Members []Member `json:"members"`
	}
	if err := c.do(ctx, "registry.members", http.MethodGet, MembersPath, nil, "", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Members, nil
}

// DeleteMember removes a member by id.
func (c *Client) DeleteMember(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return &enroll.ValidationError{Field: "id", Reason: "required"}
	}
	return c.do(ctx, "registry.delete_member", http.MethodDelete, MembersPath+"/"+url.PathEscape(id), nil, "", nil, nil)
}

// AccessLogs returns the most recent registry access entries.
func (c *Client) AccessLogs(ctx context.Context, limit int) ([]AccessLog, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var logs accessLogList
	if err := c.do(ctx, "registry.access_logs", http.MethodGet, AccessLogPath, query, "", nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// accessLogList decodes either a bare array or an object wrapping it under
// "logs"; registry versions differ.
type accessLogList []AccessLog

func (l *accessLogList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Logs []AccessLog `json:"logs"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return err
		}
		*l = wrapped.Logs
		return nil
	}
	var logs []AccessLog
	if err := json.Unmarshal(data, &logs); err != nil {
		return err
	}
	*l = logs
	return nil
}

// Dashboard fetches today's summary.
func (c *Client) Dashboard(ctx context.Context) (*Dashboard, error) {
	var d Dashboard
	if err := c.do(ctx, "registry.dashboard", http.MethodGet, DashboardPath, nil, "", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, contentType string, body []byte, out any) error {
	requestID := c.newID()
	opLogger := logging.WithOperation(c.logger, op, requestID)

	endpoint := c.base.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return logging.NewOperationError(op, requestID, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return logging.NewOperationError(op, requestID, &matcher.NetworkError{Op: op, Err: err})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return logging.NewOperationError(op, requestID, &matcher.NetworkError{Op: op, Err: err})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		regErr := &RegistryError{Status: resp.StatusCode, Reason: serverReason(raw)}
		opLogger.Warn("registry request rejected", zap.Int("status", resp.StatusCode), zap.String("reason", regErr.Reason))
		return logging.NewOperationError(op, requestID, regErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		opLogger.Warn("malformed registry response", zap.Error(err))
		return logging.NewOperationError(op, requestID, &matcher.ProtocolError{
			StatusCode: resp.StatusCode,
			Reason:     "malformed registry response",
			Err:        err,
		})
	}
	return nil
}

func encodeRegistration(a enroll.Applicant, capture *enroll.Capture) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"firstName", a.FirstName},
		{"lastName", a.LastName},
		{"email", a.Email},
		{"phone", a.Phone},
		{"membershipType", a.MembershipType},
		{"membershipDuration", strconv.Itoa(a.MembershipDuration)},
		{"membershipPrice", strconv.FormatFloat(a.MembershipPrice, 'f', -1, 64)},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}

	for _, shot := range capture.Shots {
		contentType := shot.Frame.ContentType
		if contentType == "" {
			contentType = "image/jpeg"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, shot.Angle.ID, shot.Angle.ID+".jpg"))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(shot.Frame.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// serverReason prefers the registry's error field, then message.
func serverReason(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}
