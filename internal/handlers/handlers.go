package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/REFLX0/RAM/internal/auth"
	"github.com/REFLX0/RAM/internal/enroll"
	"github.com/REFLX0/RAM/internal/frame"
	"github.com/REFLX0/RAM/internal/matcher"
	"github.com/REFLX0/RAM/internal/registry"
	"github.com/REFLX0/RAM/internal/repository"
	"github.com/REFLX0/RAM/internal/session"
	"github.com/REFLX0/RAM/internal/usecase"
)

// MaxBodySize caps request bodies; the kiosk only accepts small forms.
const MaxBodySize = 64 << 10

const (
	defaultLimit = 50
	maxLimit     = 500
)

// KioskService is the use case surface exposed over HTTP.
type KioskService interface {
	StartScanner(ctx context.Context) (session.State, error)
	StopScanner() session.State
	ScannerStatus() session.State
	Enroll(ctx context.Context, applicant enroll.Applicant) (*registry.Registration, error)
	TodayStats(ctx context.Context) (*usecase.TodayStats, error)
	RecentAccess(ctx context.Context, limit int) ([]repository.AccessEvent, error)
	Dashboard(ctx context.Context) (*registry.Dashboard, error)
	Members(ctx context.Context, query string) ([]registry.Member, error)
	DeleteMember(ctx context.Context, id string) error
	AccessLogs(ctx context.Context, limit int) ([]registry.AccessLog, error)
}

type enrollRequest struct {
	FirstName          string  `form:"firstName" json:"firstName"`
	LastName           string  `form:"lastName" json:"lastName"`
	Email              string  `form:"email" json:"email"`
	Phone              string  `form:"phone" json:"phone"`
	MembershipType     string  `form:"membershipType" json:"membershipType"`
	MembershipDuration int     `form:"membershipDuration" json:"membershipDuration"`
	MembershipPrice    float64 `form:"membershipPrice" json:"membershipPrice"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Scanner status,
// health and metrics are public; everything else needs an operator token.
func RegisterRoutes(router *gin.Engine, svc KioskService, authMiddleware gin.HandlerFunc, metrics http.Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	router.GET("/scanner/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.ScannerStatus())
	})

	operator := router.Group("/", limitBody(MaxBodySize), authMiddleware, auth.RequireRole(auth.RoleOperator, auth.RoleAdmin))

	operator.POST("/scanner/start", func(c *gin.Context) {
		st, err := svc.StartScanner(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	operator.POST("/scanner/stop", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.StopScanner())
	})

	operator.GET("/stats/today", func(c *gin.Context) {
		stats, err := svc.TodayStats(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	operator.GET("/access/recent", func(c *gin.Context) {
		events, err := svc.RecentAccess(c.Request.Context(), parseLimit(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	operator.POST("/members/enroll", func(c *gin.Context) {
		var req enrollRequest
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid enrollment form"})
			return
		}
		reg, err := svc.Enroll(c.Request.Context(), enroll.Applicant{
			FirstName:          req.FirstName,
			LastName:           req.LastName,
			Email:              req.Email,
			Phone:              req.Phone,
			MembershipType:     req.MembershipType,
			MembershipDuration: req.MembershipDuration,
			MembershipPrice:    req.MembershipPrice,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, reg)
	})

	operator.GET("/members", func(c *gin.Context) {
		members, err := svc.Members(c.Request.Context(), c.Query("q"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": members})
	})

	operator.DELETE("/members/:id", func(c *gin.Context) {
		if err := svc.DeleteMember(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	operator.GET("/logs/access", func(c *gin.Context) {
		logs, err := svc.AccessLogs(c.Request.Context(), parseLimit(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
	})

	operator.GET("/dashboard", func(c *gin.Context) {
		d, err := svc.Dashboard(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"totalMembers":  d.TotalMembers,
			"todayAccess":   d.TodayAccess,
			"todayDenied":   d.TodayDenied,
			"successRate":   d.SuccessRate(),
			"recentMembers": d.RecentMembers,
		})
	})
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// writeError maps domain errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	var (
		unavailable *frame.ResourceUnavailableError
		validation  *enroll.ValidationError
		regErr      *registry.RegistryError
		netErr      *matcher.NetworkError
		protoErr    *matcher.ProtocolError
	)
	switch {
	case errors.As(err, &unavailable):
		c.JSON(http.StatusConflict, gin.H{
			"error":    unavailable.Error(),
			"reason":   unavailable.Reason,
			"guidance": unavailable.Guidance(),
		})
	case errors.Is(err, session.ErrAlreadyRunning), errors.Is(err, enroll.ErrSequencerBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.Is(err, enroll.ErrRetriesExhausted):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &regErr):
		status := regErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": regErr.Reason})
	case errors.As(err, &netErr), errors.As(err, &protoErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
