package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
)

var ErrSessionNotFound = errors.New("consultation session not found")

type ConsultationSessionRepository struct {
	db *sql.DB
}

func NewConsultationSessionRepository(db *sql.DB) *ConsultationSessionRepository {
	return &ConsultationSessionRepository{db: db}
}

// Get session by ID
func (r *ConsultationSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ConsultationSession, error) {
	const query = `
	SELECT
		id,
		booking_id,
		client_id,
		lawyer_id,
		room_id,
		status,
		scheduled_at,
		started_at,
		ended_at,
		duration_seconds,
		recording_enabled,
		created_at,
		updated_at
	FROM consultation_sessions
	WHERE id = $1
	LIMIT 1
	`

	var session models.ConsultationSession

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.BookingID,
		&session.ClientID,
		&session.LawyerID,
		&session.RoomID,
		&session.Status,
		&session.ScheduledAt,
		&session.StartedAt,
		&session.EndedAt,
		&session.DurationSeconds,
		&session.RecordingEnabled,
		&session.CreatedAt,
		&session.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}

	if err != nil {
		return nil, err
	}

	return &session, nil
}

// MarkWaiting moves a scheduled session to waiting once the first
// participant arrives.
func (r *ConsultationSessionRepository) MarkWaiting(ctx context.Context, id uuid.UUID) error {
	const query = `
	UPDATE consultation_sessions
	SET status = $1, updated_at = NOW()
	WHERE id = $2 AND status = $3
	`

	_, err := r.db.ExecContext(ctx, query,
		models.ConsultationStatusWaitingForParticipants,
		id,
		models.ConsultationStatusScheduled,
	)
	return err
}

// MarkStarted records the start of the consultation. started_at is only
// set once.
func (r *ConsultationSessionRepository) MarkStarted(ctx context.Context, id uuid.UUID) error {
	const query = `
	UPDATE consultation_sessions
	SET
		started_at = COALESCE(started_at, NOW()),
		status = $1,
		updated_at = NOW()
	WHERE id = $2 AND status = ANY($3)
	`

	_, err := r.db.ExecContext(ctx, query,
		models.ConsultationStatusInProgress,
		id,
		pq.Array([]string{
			string(models.ConsultationStatusScheduled),
			string(models.ConsultationStatusWaitingForParticipants),
		}),
	)
	return err
}

// MarkEnded completes the session and records its duration. It reports
// false when the session was already terminal.
func (r *ConsultationSessionRepository) MarkEnded(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `
	UPDATE consultation_sessions
	SET
		ended_at = NOW(),
		duration_seconds = CASE
			WHEN started_at IS NULL THEN 0
			ELSE EXTRACT(EPOCH FROM (NOW() - started_at))::int
		END,
		status = $1,
		updated_at = NOW()
	WHERE id = $2 AND status <> ALL($3)
	`

	res, err := r.db.ExecContext(ctx, query,
		models.ConsultationStatusCompleted,
		id,
		pq.Array([]string{
			string(models.ConsultationStatusCompleted),
			string(models.ConsultationStatusCancelled),
		}),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
