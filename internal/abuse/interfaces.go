package abuse

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RepositoryInterface defines the storage operations the abuse engine needs.
// Ride and movement reads target tables owned by the trip subsystem; only
// abuse_flags and financial_audit_logs are written here.
type RepositoryInterface interface {
	// Ride history aggregates (read-only)
	CountRiderCancellations(ctx context.Context, riderID uuid.UUID, since time.Time) (int, error)
	CountRiderLateCancellations(ctx context.Context, riderID uuid.UUID, since time.Time, lateAfter time.Duration) (int, error)
	CountReservationCancellations(ctx context.Context, riderID uuid.UUID, since time.Time) (int, error)
	CountDriverCancellations(ctx context.Context, driverID uuid.UUID, since time.Time) (int, error)
	CountRiderNoShows(ctx context.Context, riderID uuid.UUID, since time.Time) (int, error)

	// Movement telemetry (read-only)
	GetMovementSamples(ctx context.Context, driverID, rideID uuid.UUID) ([]DriverMovementSample, error)
	SumMovementDistance(ctx context.Context, rideID uuid.UUID) (float64, error)

	// Flag recorder (append-only plus the single terminal transition)
	CreateFlag(ctx context.Context, flag *AbuseFlag) error
	GetFlagByID(ctx context.Context, flagID uuid.UUID) (*AbuseFlag, error)
	ListPendingFlags(ctx context.Context, limit, offset int) ([]*AbuseFlag, int64, error)
	ResolveFlag(ctx context.Context, flagID, reviewerID uuid.UUID, status FlagStatus, notes *string, penaltyApplied *float64) error

	// Compensation denial audit trail (insert-only)
	InsertAuditLog(ctx context.Context, entry *FinancialAuditLog) error
}

// FlagPublisher emits flag-created events for the external admin surface.
// Publishing is best-effort; failures never block detection.
type FlagPublisher interface {
	PublishFlagCreated(ctx context.Context, flag *AbuseFlag) error
}
