package abuse

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrFlagNotPending is returned when the terminal transition is attempted on a
// flag that is missing or already reviewed.
var ErrFlagNotPending = errors.New("abuse flag is not pending")

// Repository handles abuse engine data operations
type Repository struct {
	db    *pgxpool.Pool
	retry database.RetryConfig
}

// Ensure the concrete repository satisfies the service's requirements.
var _ RepositoryInterface = (*Repository)(nil)

// NewRepository creates a new abuse repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db, retry: database.DefaultRetryConfig()}
}

// CountRiderCancellations counts rider-initiated cancellations since the given time
func (r *Repository) CountRiderCancellations(ctx context.Context, riderID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM rides
		WHERE rider_id = $1
		  AND cancelled_by = 'rider'
		  AND cancelled_at >= $2
	`

	var count int
	err := r.db.QueryRow(ctx, query, riderID, since).Scan(&count)
	return count, err
}

// CountRiderLateCancellations counts rider cancellations made more than
// lateAfter past driver acceptance, since the given time
func (r *Repository) CountRiderLateCancellations(ctx context.Context, riderID uuid.UUID, since time.Time, lateAfter time.Duration) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM rides
		WHERE rider_id = $1
		  AND cancelled_by = 'rider'
		  AND cancelled_at >= $2
		  AND accepted_at IS NOT NULL
		  AND cancelled_at > accepted_at + make_interval(secs => $3)
	`

	var count int
	err := r.db.QueryRow(ctx, query, riderID, since, lateAfter.Seconds()).Scan(&count)
	return count, err
}

// CountReservationCancellations counts rider-cancelled reserved rides since the given time
func (r *Repository) CountReservationCancellations(ctx context.Context, riderID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM rides
		WHERE rider_id = $1
		  AND is_reserved = true
		  AND cancelled_by = 'rider'
		  AND cancelled_at >= $2
	`

	var count int
	err := r.db.QueryRow(ctx, query, riderID, since).Scan(&count)
	return count, err
}

// CountDriverCancellations counts driver-initiated cancellations since the given time
func (r *Repository) CountDriverCancellations(ctx context.Context, driverID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM rides
		WHERE driver_id = $1
		  AND cancelled_by = 'driver'
		  AND cancelled_at >= $2
	`

	var count int
	err := r.db.QueryRow(ctx, query, driverID, since).Scan(&count)
	return count, err
}

// CountRiderNoShows counts rides cancelled by the driver because the rider
// failed to show, since the given time
func (r *Repository) CountRiderNoShows(ctx context.Context, riderID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM rides
		WHERE rider_id = $1
		  AND cancelled_by = 'driver'
		  AND cancel_reason = 'rider_no_show'
		  AND cancelled_at >= $2
	`

	var count int
	err := r.db.QueryRow(ctx, query, riderID, since).Scan(&count)
	return count, err
}

// GetMovementSamples returns the movement samples for one (driver, ride) pair,
// ordered by recording time
func (r *Repository) GetMovementSamples(ctx context.Context, driverID, rideID uuid.UUID) ([]DriverMovementSample, error) {
	query := `
		SELECT driver_id, ride_id, distance_km, duration_sec, recorded_at
		FROM driver_movements
		WHERE driver_id = $1 AND ride_id = $2
		ORDER BY recorded_at
	`

	rows, err := r.db.Query(ctx, query, driverID, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]DriverMovementSample, 0)
	for rows.Next() {
		var sample DriverMovementSample
		if err := rows.Scan(
			&sample.DriverID,
			&sample.RideID,
			&sample.DistanceKm,
			&sample.DurationSec,
			&sample.RecordedAt,
		); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}

	return samples, rows.Err()
}

// SumMovementDistance returns the cumulative driven distance for one ride
func (r *Repository) SumMovementDistance(ctx context.Context, rideID uuid.UUID) (float64, error) {
	query := `
		SELECT COALESCE(SUM(distance_km), 0)
		FROM driver_movements
		WHERE ride_id = $1
	`

	var total float64
	err := r.db.QueryRow(ctx, query, rideID).Scan(&total)
	return total, err
}

// CreateFlag inserts a new abuse flag. The insert is retried on transient
// failures so a momentary database hiccup does not lose a detection.
func (r *Repository) CreateFlag(ctx context.Context, flag *AbuseFlag) error {
	query := `
		INSERT INTO abuse_flags (
			id, user_id, user_role, abuse_type, severity, description,
			related_ride_id, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	return database.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query,
			flag.ID,
			flag.UserID,
			flag.UserRole,
			flag.AbuseType,
			flag.Severity,
			flag.Description,
			flag.RelatedRideID,
			flag.Status,
			flag.CreatedAt,
		)
		return err
	})
}

// GetFlagByID retrieves an abuse flag by ID
func (r *Repository) GetFlagByID(ctx context.Context, flagID uuid.UUID) (*AbuseFlag, error) {
	query := `
		SELECT id, user_id, user_role, abuse_type, severity, description,
		       related_ride_id, status, reviewed_by_user_id, review_notes,
		       penalty_applied, resolved_at, created_at
		FROM abuse_flags
		WHERE id = $1
	`

	var flag AbuseFlag
	var reviewNotes sql.NullString
	var penaltyApplied sql.NullFloat64
	var resolvedAt sql.NullTime

	err := r.db.QueryRow(ctx, query, flagID).Scan(
		&flag.ID,
		&flag.UserID,
		&flag.UserRole,
		&flag.AbuseType,
		&flag.Severity,
		&flag.Description,
		&flag.RelatedRideID,
		&flag.Status,
		&flag.ReviewedByUserID,
		&reviewNotes,
		&penaltyApplied,
		&resolvedAt,
		&flag.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if reviewNotes.Valid {
		flag.ReviewNotes = &reviewNotes.String
	}
	if penaltyApplied.Valid {
		flag.PenaltyApplied = &penaltyApplied.Float64
	}
	if resolvedAt.Valid {
		flag.ResolvedAt = &resolvedAt.Time
	}

	return &flag, nil
}

// ListPendingFlags retrieves pending abuse flags, most recent first, with the total count
func (r *Repository) ListPendingFlags(ctx context.Context, limit, offset int) ([]*AbuseFlag, int64, error) {
	var total int64
	countQuery := `SELECT COUNT(*) FROM abuse_flags WHERE status = 'pending'`
	if err := r.db.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, user_role, abuse_type, severity, description,
		       related_ride_id, status, reviewed_by_user_id, review_notes,
		       penalty_applied, resolved_at, created_at
		FROM abuse_flags
		WHERE status = 'pending'
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	flags := make([]*AbuseFlag, 0)
	for rows.Next() {
		var flag AbuseFlag
		var reviewNotes sql.NullString
		var penaltyApplied sql.NullFloat64
		var resolvedAt sql.NullTime

		if err := rows.Scan(
			&flag.ID,
			&flag.UserID,
			&flag.UserRole,
			&flag.AbuseType,
			&flag.Severity,
			&flag.Description,
			&flag.RelatedRideID,
			&flag.Status,
			&flag.ReviewedByUserID,
			&reviewNotes,
			&penaltyApplied,
			&resolvedAt,
			&flag.CreatedAt,
		); err != nil {
			return nil, 0, err
		}

		if reviewNotes.Valid {
			flag.ReviewNotes = &reviewNotes.String
		}
		if penaltyApplied.Valid {
			flag.PenaltyApplied = &penaltyApplied.Float64
		}
		if resolvedAt.Valid {
			flag.ResolvedAt = &resolvedAt.Time
		}

		flags = append(flags, &flag)
	}

	return flags, total, rows.Err()
}

// ResolveFlag performs the terminal pending -> resolved/dismissed transition.
// The status guard in the WHERE clause makes the transition at-most-once even
// under concurrent reviewers; a lost race surfaces as ErrFlagNotPending.
func (r *Repository) ResolveFlag(ctx context.Context, flagID, reviewerID uuid.UUID, status FlagStatus, notes *string, penaltyApplied *float64) error {
	query := `
		UPDATE abuse_flags
		SET status = $2,
		    reviewed_by_user_id = $3,
		    review_notes = $4,
		    penalty_applied = $5,
		    resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, flagID, status, reviewerID, notes, penaltyApplied)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFlagNotPending
	}
	return nil
}

// InsertAuditLog inserts a financial audit log entry
func (r *Repository) InsertAuditLog(ctx context.Context, entry *FinancialAuditLog) error {
	query := `
		INSERT INTO financial_audit_logs (
			id, ride_id, user_id, actor_role, event_type, amount, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	return database.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query,
			entry.ID,
			entry.RideID,
			entry.UserID,
			entry.ActorRole,
			entry.EventType,
			entry.Amount,
			entry.Description,
			entry.CreatedAt,
		)
		return err
	})
}
