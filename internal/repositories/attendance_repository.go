package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
)

type AttendanceRepository struct {
	db *sql.DB
}

func NewAttendanceRepository(db *sql.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

// Record when a connection joined the room
func (r *AttendanceRepository) RecordJoined(ctx context.Context, a *models.Attendance) error {
	const query = `
	INSERT INTO consultation_attendance (
		session_id,
		user_id,
		connection_id,
		joined_at
	)
	VALUES ($1, $2, $3, NOW())
	RETURNING joined_at
	`

	return r.db.QueryRowContext(
		ctx,
		query,
		a.SessionID,
		a.UserID,
		a.ConnectionID,
	).Scan(&a.JoinedAt)
}

// Record when a connection left the room
func (r *AttendanceRepository) RecordLeft(ctx context.Context, connectionID string) error {
	const query = `
	UPDATE consultation_attendance
	SET left_at = NOW()
	WHERE connection_id = $1 AND left_at IS NULL
	`

	_, err := r.db.ExecContext(ctx, query, connectionID)
	return err
}

// CloseOpen marks every open record of a session as left.
func (r *AttendanceRepository) CloseOpen(ctx context.Context, sessionID uuid.UUID) error {
	const query = `
	UPDATE consultation_attendance
	SET left_at = NOW()
	WHERE session_id = $1 AND left_at IS NULL
	`

	_, err := r.db.ExecContext(ctx, query, sessionID.String())
	return err
}
