package matcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/REFLX0/RAM/internal/frame"
	"github.com/REFLX0/RAM/internal/logging"
)

// Client submits one frame to the remote matcher. Implementations do not
// retry; the caller owns retry policy.
type Client interface {
	Verify(ctx context.Context, f frame.Frame) (*Outcome, error)
}

// VerifyPath is the matcher endpoint relative to the base URL.
const VerifyPath = "/api/face/verify"

const maxResponseSize = 1 << 20

// HTTPClient talks to the matcher's JSON endpoint.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewHTTPClient builds a matcher client rooted at baseURL.
func NewHTTPClient(baseURL string, client *http.Client, logger *zap.Logger) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid matcher url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		endpoint: base.JoinPath(VerifyPath).String(),
		http:     client,
		logger:   logger.Named("matcher"),
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

type verifyRequest struct {
	ImageData string `json:"imageData"`
}

// Verify posts the frame as a data URL and decodes the outcome.
func (c *HTTPClient) Verify(ctx context.Context, f frame.Frame) (*Outcome, error) {
	requestID := c.newID()
	opLogger := logging.WithOperation(c.logger, "matcher.verify", requestID)

	payload, err := json.Marshal(verifyRequest{ImageData: DataURL(f)})
	if err != nil {
		return nil, logging.NewOperationError("matcher.verify", requestID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, logging.NewOperationError("matcher.verify", requestID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	started := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, logging.NewOperationError("matcher.verify", requestID, &NetworkError{Op: "matcher.verify", Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, logging.NewOperationError("matcher.verify", requestID, &NetworkError{Op: "matcher.verify", Err: err})
	}
	arrived := c.now()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, logging.NewOperationError("matcher.verify", requestID, &ProtocolError{
			StatusCode: resp.StatusCode,
			Reason:     errorReason(body),
		})
	}

	out, err := DecodeOutcome(body)
	if err != nil {
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			protoErr.StatusCode = resp.StatusCode
		}
		opLogger.Debug("malformed matcher response", zap.Error(err))
		return nil, logging.NewOperationError("matcher.verify", requestID, err)
	}
	out.Latency = arrived.Sub(started)
	out.RequestID = requestID

	opLogger.Debug("matcher responded",
		zap.String("classification", string(out.Classification())),
		zap.Duration("latency", out.Latency),
	)
	return out, nil
}

// DataURL renders the frame the way browsers submit canvas captures.
func DataURL(f frame.Frame) string {
	contentType := f.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// errorReason extracts a server supplied error or message, else a snippet.
func errorReason(body []byte) string {
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
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return snippet
}
