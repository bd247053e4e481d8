package abuse

import (
	"context"
	"net/http"
	"time"

	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/common"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/middleware"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/pagination"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ServiceInterface defines the service operations the handler depends on
type ServiceInterface interface {
	GetPendingFlags(ctx context.Context, limit, offset int) ([]*AbuseFlag, int64, error)
	GetFlag(ctx context.Context, flagID uuid.UUID) (*AbuseFlag, error)
	ResolveFlag(ctx context.Context, flagID, reviewerID uuid.UUID, status FlagStatus, notes *string, penaltyApplied *float64) error
	CalculateCancellationFee(ctx context.Context, baseFee float64, riderID, rideID uuid.UUID, isReserved bool, driverEnRouteAt *time.Time) *CancellationFeeResult
	CheckFakeMovement(ctx context.Context, driverID, rideID uuid.UUID) (AbuseCheckResult, error)
	CheckDriverIdle(ctx context.Context, driverID, rideID uuid.UUID) (AbuseCheckResult, error)
	CheckDriverAbuse(ctx context.Context, driverID uuid.UUID, rideID *uuid.UUID) (AbuseCheckResult, error)
	CheckRepeatedNoShows(ctx context.Context, riderID uuid.UUID, rideID *uuid.UUID) (AbuseCheckResult, error)
	DenyDriverCompensation(ctx context.Context, driverID, rideID uuid.UUID, reason string) error
}

// Handler handles HTTP requests for the abuse engine
type Handler struct {
	service ServiceInterface
}

// NewHandler creates a new abuse handler
func NewHandler(service ServiceInterface) *Handler {
	return &Handler{service: service}
}

// ========================================
// ADMIN REVIEW ENDPOINTS
// ========================================

// GetPendingFlags returns pending abuse flags for review
// GET /api/v1/admin/abuse/flags?limit=20&offset=0
func (h *Handler) GetPendingFlags(c *gin.Context) {
	params := pagination.ParseParams(c)

	flags, total, err := h.service.GetPendingFlags(c.Request.Context(), params.Limit, params.Offset)
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to get pending flags")
		return
	}

	meta := pagination.BuildMeta(params.Limit, params.Offset, total)
	common.SuccessResponseWithMeta(c, gin.H{"flags": flags}, meta)
}

// GetFlag returns one abuse flag
// GET /api/v1/admin/abuse/flags/:id
func (h *Handler) GetFlag(c *gin.Context) {
	flagID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid flag id")
		return
	}

	flag, err := h.service.GetFlag(c.Request.Context(), flagID)
	if err != nil {
		if appErr, ok := err.(*common.AppError); ok {
			common.AppErrorResponse(c, appErr)
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to get flag")
		return
	}

	common.SuccessResponse(c, flag)
}

// ResolveFlag records the reviewer's terminal decision on a pending flag
// POST /api/v1/admin/abuse/flags/:id/resolve
func (h *Handler) ResolveFlag(c *gin.Context) {
	reviewerID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	flagID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid flag id")
		return
	}

	var req ResolveFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "status must be resolved or dismissed")
		return
	}

	err = h.service.ResolveFlag(c.Request.Context(), flagID, reviewerID, FlagStatus(req.Status), req.Notes, req.PenaltyApplied)
	if err != nil {
		if appErr, ok := err.(*common.AppError); ok {
			common.AppErrorResponse(c, appErr)
			return
		}
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to resolve flag")
		return
	}

	common.SuccessResponseWithStatus(c, http.StatusOK, gin.H{"flag_id": flagID, "status": req.Status}, "Flag resolved")
}

// ========================================
// INTERNAL ENDPOINTS (trip lifecycle)
// ========================================

// CalculateCancellationFee returns the penalty-adjusted fee for a cancellation
// POST /api/v1/internal/abuse/cancellation-fee
func (h *Handler) CalculateCancellationFee(c *gin.Context) {
	var req CancellationFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result := h.service.CalculateCancellationFee(
		c.Request.Context(),
		req.BaseFee,
		req.RiderID,
		req.RideID,
		req.IsReserved,
		req.DriverEnRouteAt,
	)

	common.SuccessResponse(c, result)
}

// CheckMovement runs the movement authenticity checks for one trip
// POST /api/v1/internal/abuse/movement-check
func (h *Handler) CheckMovement(c *gin.Context) {
	var req MovementCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	fakeMovement, err := h.service.CheckFakeMovement(c.Request.Context(), req.DriverID, req.RideID)
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to check movement")
		return
	}

	idle, err := h.service.CheckDriverIdle(c.Request.Context(), req.DriverID, req.RideID)
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to check movement")
		return
	}

	common.SuccessResponse(c, gin.H{
		"fake_movement":  fakeMovement,
		"excessive_idle": idle,
	})
}

// CheckDriver runs the driver cancellation-history check
// POST /api/v1/internal/abuse/driver-check
func (h *Handler) CheckDriver(c *gin.Context) {
	var req DriverCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.CheckDriverAbuse(c.Request.Context(), req.DriverID, req.RideID)
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to check driver")
		return
	}

	common.SuccessResponse(c, result)
}

// CheckNoShows runs the repeated no-show check for one rider
// POST /api/v1/internal/abuse/no-show-check
func (h *Handler) CheckNoShows(c *gin.Context) {
	var req NoShowCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.CheckRepeatedNoShows(c.Request.Context(), req.RiderID, req.RideID)
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to check no-shows")
		return
	}

	common.SuccessResponse(c, result)
}

// DenyCompensation records a compensation denial for a driver
// POST /api/v1/internal/abuse/compensation-denial
func (h *Handler) DenyCompensation(c *gin.Context) {
	var req CompensationDenialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.DenyDriverCompensation(c.Request.Context(), req.DriverID, req.RideID, req.Reason); err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to record compensation denial")
		return
	}

	common.SuccessResponseWithStatus(c, http.StatusCreated, nil, "Compensation denial recorded")
}
