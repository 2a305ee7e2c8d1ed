package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/REFLX0/RAM/internal/imaging"
	"github.com/REFLX0/RAM/internal/session"
)

// Config is the kiosk service configuration, read from the environment.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	ShutdownTimeout time.Duration

	MatcherURL      string
	MatcherGRPCAddr string

	RegistryURL   string
	RegistryToken string

	CameraSnapshotURL string
	CameraDevice      string
	FaceCropRatio     float64
	FaceMaxEdge       int

	Scan session.Config

	EnrollMaxRetries int
	EnrollMinBytes   int
	EnrollMinEdge    int

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	// .env is optional
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary key lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	scan := session.DefaultConfig()

	cfg := Config{
		HTTPAddr:        e.str("HTTP_ADDR", ":8080"),
		LogLevel:        e.str("LOG_LEVEL", "info"),
		ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 15*time.Second),

		MatcherURL:      e.str("MATCHER_URL", "http://localhost:3000"),
		MatcherGRPCAddr: e.str("MATCHER_GRPC_ADDR", ""),

		RegistryURL:   e.str("REGISTRY_URL", "http://localhost:3000"),
		RegistryToken: e.str("REGISTRY_TOKEN", ""),

		CameraSnapshotURL: e.str("CAMERA_SNAPSHOT_URL", "http://localhost:8081/snapshot.jpg"),
		CameraDevice:      e.str("CAMERA_DEVICE", "kiosk-camera"),
		FaceCropRatio:     e.number("FACE_CROP_RATIO", imaging.DefaultCropRatio),
		FaceMaxEdge:       e.integer("FACE_MAX_EDGE", imaging.DefaultMaxEdge),

		Scan: session.Config{
			TickPeriod:      e.duration("SCAN_TICK_PERIOD", scan.TickPeriod),
			ExpiredClear:    e.duration("SCAN_EXPIRED_CLEAR", scan.ExpiredClear),
			DeniedClear:     e.duration("SCAN_DENIED_CLEAR", scan.DeniedClear),
			DeniedLongClear: e.duration("SCAN_DENIED_LONG_CLEAR", scan.DeniedLongClear),
			RequestTimeout:  e.duration("SCAN_REQUEST_TIMEOUT", scan.RequestTimeout),
		},

		EnrollMaxRetries: e.integer("ENROLL_MAX_RETRIES", 5),
		EnrollMinBytes:   e.integer("ENROLL_MIN_BYTES", imaging.DefaultMinBytes),
		EnrollMinEdge:    e.integer("ENROLL_MIN_EDGE", imaging.DefaultMinEdge),

		DatabaseDSN: e.str("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=kiosk port=5432 sslmode=disable"),
		RedisAddr:   e.str("REDIS_ADDR", "redis:6379"),

		JWTSecret:   e.str("JWT_SECRET", "dev-secret"),
		JWTAudience: e.str("JWT_AUDIENCE", ""),
	}
	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Scan.TickPeriod <= 0 {
		errs = append(errs, errors.New("SCAN_TICK_PERIOD must be positive"))
	}
	if c.FaceCropRatio <= 0 || c.FaceCropRatio > 1 {
		errs = append(errs, fmt.Errorf("FACE_CROP_RATIO %v must be in (0, 1]", c.FaceCropRatio))
	}
	if c.EnrollMaxRetries < 0 {
		errs = append(errs, errors.New("ENROLL_MAX_RETRIES must not be negative"))
	}
	if c.MatcherURL == "" && c.MatcherGRPCAddr == "" {
		errs = append(errs, errors.New("one of MATCHER_URL or MATCHER_GRPC_ADDR is required"))
	}
	return errors.Join(errs...)
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, fallback string) string {
	if value, ok := e.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (e *env) integer(key string, fallback int) int {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (e *env) number(key string, fallback float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}
