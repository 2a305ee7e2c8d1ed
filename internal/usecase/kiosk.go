package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/REFLX0/RAM/internal/enroll"
	"github.com/REFLX0/RAM/internal/frame"
	"github.com/REFLX0/RAM/internal/logging"
	"github.com/REFLX0/RAM/internal/registry"
	"github.com/REFLX0/RAM/internal/repository"
	"github.com/REFLX0/RAM/internal/retry"
	"github.com/REFLX0/RAM/internal/session"
)

const dashboardTTL = 30 * time.Second

// Scanner is the verification session controller.
type Scanner interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() session.State
}

// Journal defines the persistence operations needed by the use case.
type Journal interface {
	SaveEvent(ctx context.Context, event *repository.AccessEvent) error
	CountByStatusSince(ctx context.Context, since time.Time) (map[string]int64, error)
	Recent(ctx context.Context, limit int) ([]repository.AccessEvent, error)
}

// Registry is the remote member registry.
type Registry interface {
	Register(ctx context.Context, applicant enroll.Applicant, capture *enroll.Capture) (*registry.Registration, error)
	Members(ctx context.Context) ([]registry.Member, error)
	DeleteMember(ctx context.Context, id string) error
	AccessLogs(ctx context.Context, limit int) ([]registry.AccessLog, error)
	Dashboard(ctx context.Context) (*registry.Dashboard, error)
}

// CaptureSequencer runs the guided multi-angle capture.
type CaptureSequencer interface {
	Run(ctx context.Context, angles []enroll.Angle, capture enroll.CaptureFunc, quality enroll.QualityFunc) (*enroll.Capture, error)
}

// Dependencies groups the collaborators of KioskUseCase.
type Dependencies struct {
	Scanner   Scanner
	Journal   Journal
	Cache     Cache
	Registry  Registry
	Camera    frame.Source
	Sequencer CaptureSequencer
	Quality   enroll.QualityFunc
	Angles    []enroll.Angle
	Logger    *zap.Logger
}

// KioskUseCase encapsulates the operator facing kiosk workflows.
type KioskUseCase struct {
	scanner   Scanner
	journal   Journal
	cache     Cache
	registry  Registry
	camera    frame.Source
	sequencer CaptureSequencer
	quality   enroll.QualityFunc
	angles    []enroll.Angle
	logger    *zap.Logger
	retry     retry.Policy
	now       func() time.Time
}

// NewKioskUseCase constructs a new use case instance.
func NewKioskUseCase(deps Dependencies) *KioskUseCase {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("kiosk_usecase")
	angles := deps.Angles
	if len(angles) == 0 {
		angles = enroll.DefaultAngles()
	}
	quality := deps.Quality
	if quality == nil {
		quality = func(f frame.Frame) bool { return f.Len() > 0 }
	}
	return &KioskUseCase{
		scanner:   deps.Scanner,
		journal:   deps.Journal,
		cache:     deps.Cache,
		registry:  deps.Registry,
		camera:    deps.Camera,
		sequencer: deps.Sequencer,
		quality:   quality,
		angles:    angles,
		logger:    logger,
		retry:     retry.Default(logger, "redis"),
		now:       time.Now,
	}
}

// StartScanner begins a verification session.
func (uc *KioskUseCase) StartScanner(ctx context.Context) (session.State, error) {
	if err := uc.scanner.Start(ctx); err != nil {
		return uc.scanner.Snapshot(), err
	}
	st := uc.scanner.Snapshot()
	logging.WithSession(uc.logger, st.SessionID).Info("scanner started by operator")
	return st, nil
}

// StopScanner ends the current session, if any.
func (uc *KioskUseCase) StopScanner() session.State {
	uc.scanner.Stop()
	return uc.scanner.Snapshot()
}

// ScannerStatus reports the controller state.
func (uc *KioskUseCase) ScannerStatus() session.State {
	return uc.scanner.Snapshot()
}

// Enroll validates the applicant, runs the guided capture on an exclusive
// camera handle and submits the result to the registry.
func (uc *KioskUseCase) Enroll(ctx context.Context, applicant enroll.Applicant) (*registry.Registration, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.enroll", requestID)

	if err := applicant.Validate(); err != nil {
		return nil, err
	}

	stream, err := uc.camera.Acquire(ctx)
	if err != nil {
		opLogger.Warn("camera unavailable for enrollment", zap.Error(err))
		return nil, err
	}
	defer func() {
		if err := stream.Release(); err != nil {
			opLogger.Warn("camera release failed", zap.Error(err))
		}
	}()

	capture, err := uc.sequencer.Run(ctx, uc.angles, stream.Capture, uc.quality)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.enroll_capture", requestID, err)
		opLogger.Error("enrollment capture failed", zap.Error(wrapped))
		return nil, wrapped
	}

	reg, err := uc.registry.Register(ctx, applicant, capture)
	if err != nil {
		opLogger.Error("registration failed", zap.Error(err))
		return nil, err
	}
	uc.invalidateDashboard(ctx, requestID)

	opLogger.Info("member enrolled", zap.String("member_id", string(reg.MemberID)), zap.Int("angles", len(capture.Shots)))
	return reg, nil
}

// RecentAccess returns the newest journal entries.
func (uc *KioskUseCase) RecentAccess(ctx context.Context, limit int) ([]repository.AccessEvent, error) {
	return uc.journal.Recent(ctx, limit)
}

// Dashboard returns the registry dashboard, cached briefly in Redis.
func (uc *KioskUseCase) Dashboard(ctx context.Context) (*registry.Dashboard, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.dashboard", requestID)

	if cached, err := cacheGet(ctx, uc.retry, uc.cache, requestID, "cache.get.dashboard", dashboardKey); err == nil {
		var d registry.Dashboard
		decodeErr := json.Unmarshal([]byte(cached), &d)
		if decodeErr == nil {
			return &d, nil
		}
		opLogger.Warn("failed to decode cached dashboard", zap.Error(decodeErr))
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	d, err := uc.registry.Dashboard(ctx)
	if err != nil {
		return nil, err
	}

	serialized, err := json.Marshal(d)
	if err != nil {
		opLogger.Error("failed to serialize dashboard", zap.Error(err))
		return d, nil
	}
	if err := uc.retry.Do(ctx, "cache.set.dashboard", requestID, func() error {
		return uc.cache.Set(ctx, dashboardKey, string(serialized), dashboardTTL)
	}); err != nil {
		opLogger.Warn("failed to cache dashboard", zap.Error(err))
	}
	return d, nil
}

// Members lists registered members, narrowed to those matching query when
// it is not empty.
func (uc *KioskUseCase) Members(ctx context.Context, query string) ([]registry.Member, error) {
	members, err := uc.registry.Members(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return members, nil
	}
	filtered := make([]registry.Member, 0, len(members))
	for _, m := range members {
		if m.Matches(query) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// DeleteMember removes a member and drops the cached dashboard.
func (uc *KioskUseCase) DeleteMember(ctx context.Context, id string) error {
	if err := uc.registry.DeleteMember(ctx, id); err != nil {
		return err
	}
	uc.invalidateDashboard(ctx, "")
	return nil
}

// AccessLogs proxies the registry's access log.
func (uc *KioskUseCase) AccessLogs(ctx context.Context, limit int) ([]registry.AccessLog, error) {
	return uc.registry.AccessLogs(ctx, limit)
}

func (uc *KioskUseCase) invalidateDashboard(ctx context.Context, requestID string) {
	if err := uc.retry.Do(ctx, "cache.delete.dashboard", requestID, func() error {
		return uc.cache.Delete(ctx, dashboardKey)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.invalidate_dashboard", requestID).Warn("failed to drop cached dashboard", zap.Error(err))
	}
}
