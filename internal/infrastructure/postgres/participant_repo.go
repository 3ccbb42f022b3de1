package postgres

import (
	"context"

	"tutorchat-ws/internal/domain"
)

// ParticipantRepository answers questions about users, tutors and the
// enrollments between them. Those tables belong to the course catalog;
// the chat only reads them.
type ParticipantRepository struct {
	db DBTX
}

func NewParticipantRepository(db DBTX) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

func (r *ParticipantRepository) Exists(ctx context.Context, identity domain.Identity) (bool, error) {
	var query string
	switch identity.Kind {
	case domain.KindUser:
		query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`
	case domain.KindTutor:
		query = `SELECT EXISTS (SELECT 1 FROM tutors WHERE id = $1)`
	default:
		return false, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, query, identity.ID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *ParticipantRepository) HasActiveEnrollment(ctx context.Context, userID, tutorID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments
			WHERE user_id = $1 AND tutor_id = $2 AND active
		)
	`, userID, tutorID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *ParticipantRepository) DisplayName(ctx context.Context, identity domain.Identity) (string, error) {
	var query string
	switch identity.Kind {
	case domain.KindUser:
		query = `SELECT display_name FROM users WHERE id = $1`
	case domain.KindTutor:
		query = `SELECT display_name FROM tutors WHERE id = $1`
	default:
		return "", nil
	}

	var name string
	if err := r.db.QueryRow(ctx, query, identity.ID).Scan(&name); err != nil {
		return "", err
	}
	return name, nil
}
