package abuse

import (
	"time"

	"github.com/google/uuid"
)

// UserRole identifies which side of a ride an actor is on
type UserRole string

const (
	RoleRider  UserRole = "rider"
	RoleDriver UserRole = "driver"
)

// AbuseType is the closed catalogue of detectable patterns
type AbuseType string

const (
	AbuseExcessiveCancellations   AbuseType = "excessive_cancellations"
	AbuseLateCancellations        AbuseType = "late_cancellations"
	AbuseReservationAbuse         AbuseType = "reservation_abuse"
	AbuseFakeMovement             AbuseType = "fake_movement"
	AbuseExcessiveIdle            AbuseType = "excessive_idle"
	AbuseUnjustifiedCancellations AbuseType = "unjustified_cancellations"
	AbuseRepeatedNoShows          AbuseType = "repeated_no_shows"
	AbuseCancelAfterDriverMoving  AbuseType = "cancel_after_driver_moving"
)

// Severity grades a detected pattern; bands are local to each evaluator
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// FlagStatus is the review lifecycle state of a flag
type FlagStatus string

const (
	FlagStatusPending   FlagStatus = "pending"
	FlagStatusResolved  FlagStatus = "resolved"
	FlagStatusDismissed FlagStatus = "dismissed"
)

// AbuseFlag is the durable record of one detected pattern.
// Detection fields are append-only; only the review fields change, exactly once,
// on the pending -> resolved/dismissed transition.
type AbuseFlag struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	UserID           uuid.UUID  `json:"user_id" db:"user_id"`
	UserRole         UserRole   `json:"user_role" db:"user_role"`
	AbuseType        AbuseType  `json:"abuse_type" db:"abuse_type"`
	Severity         Severity   `json:"severity" db:"severity"`
	Description      string     `json:"description" db:"description"`
	RelatedRideID    *uuid.UUID `json:"related_ride_id,omitempty" db:"related_ride_id"`
	Status           FlagStatus `json:"status" db:"status"`
	ReviewedByUserID *uuid.UUID `json:"reviewed_by_user_id,omitempty" db:"reviewed_by_user_id"`
	ReviewNotes      *string    `json:"review_notes,omitempty" db:"review_notes"`
	PenaltyApplied   *float64   `json:"penalty_applied,omitempty" db:"penalty_applied"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// AbuseCheckResult is the verdict of a single rule evaluator
type AbuseCheckResult struct {
	Flagged           bool      `json:"flagged"`
	AbuseType         AbuseType `json:"abuse_type,omitempty"`
	Severity          Severity  `json:"severity,omitempty"`
	Description       string    `json:"description,omitempty"`
	PenaltyMultiplier float64   `json:"penalty_multiplier,omitempty"`
	// Recorded reports whether the flag write succeeded. Detection stands
	// even when persistence fails; callers must not treat a false value
	// as "not flagged".
	Recorded bool `json:"recorded"`
}

// DriverMovementSample is one positional delta reported by the telemetry
// system during an active ride. Read-only input, owned externally.
type DriverMovementSample struct {
	DriverID    uuid.UUID `json:"driver_id" db:"driver_id"`
	RideID      uuid.UUID `json:"ride_id" db:"ride_id"`
	DistanceKm  float64   `json:"distance_km" db:"distance_km"`
	DurationSec int       `json:"duration_sec" db:"duration_sec"`
	RecordedAt  time.Time `json:"recorded_at" db:"recorded_at"`
}

// CancellationFeeResult is returned synchronously to the caller finalizing a cancellation
type CancellationFeeResult struct {
	Fee            float64            `json:"fee"`
	PenaltyApplied bool               `json:"penalty_applied"`
	Reason         *string            `json:"reason,omitempty"`
	Checks         []AbuseCheckResult `json:"checks,omitempty"`
}

// FinancialAuditLog is an insert-only ledger entry. The engine writes only
// zero-amount entries explaining withheld driver compensation.
type FinancialAuditLog struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	RideID      *uuid.UUID `json:"ride_id,omitempty" db:"ride_id"`
	UserID      uuid.UUID  `json:"user_id" db:"user_id"`
	ActorRole   string     `json:"actor_role" db:"actor_role"`
	EventType   string     `json:"event_type" db:"event_type"`
	Amount      float64    `json:"amount" db:"amount"`
	Description string     `json:"description" db:"description"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// ========================================
// REQUEST/RESPONSE TYPES
// ========================================

// ResolveFlagRequest is the reviewer's terminal decision on a pending flag
type ResolveFlagRequest struct {
	Status         string   `json:"status" binding:"required,oneof=resolved dismissed"`
	Notes          *string  `json:"notes,omitempty"`
	PenaltyApplied *float64 `json:"penalty_applied,omitempty"`
}

// CancellationFeeRequest asks for the penalty-adjusted fee for one cancellation event
type CancellationFeeRequest struct {
	BaseFee         float64    `json:"base_fee" binding:"gte=0"`
	RiderID         uuid.UUID  `json:"rider_id" binding:"required"`
	RideID          uuid.UUID  `json:"ride_id" binding:"required"`
	IsReserved      bool       `json:"is_reserved"`
	DriverEnRouteAt *time.Time `json:"driver_en_route_at,omitempty"`
}

// MovementCheckRequest triggers the movement authenticity checks for one trip
type MovementCheckRequest struct {
	DriverID uuid.UUID `json:"driver_id" binding:"required"`
	RideID   uuid.UUID `json:"ride_id" binding:"required"`
}

// DriverCheckRequest triggers the driver cancellation-history check
type DriverCheckRequest struct {
	DriverID uuid.UUID  `json:"driver_id" binding:"required"`
	RideID   *uuid.UUID `json:"ride_id,omitempty"`
}

// NoShowCheckRequest triggers the repeated no-show check after a ride ends
// with the rider absent
type NoShowCheckRequest struct {
	RiderID uuid.UUID  `json:"rider_id" binding:"required"`
	RideID  *uuid.UUID `json:"ride_id,omitempty"`
}

// CompensationDenialRequest records why a driver's payout was withheld
type CompensationDenialRequest struct {
	DriverID uuid.UUID `json:"driver_id" binding:"required"`
	RideID   uuid.UUID `json:"ride_id" binding:"required"`
	Reason   string    `json:"reason" binding:"required"`
}
