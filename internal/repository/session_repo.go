package repository

import (
	"context"
	"fmt"

	"duel_arena/internal/domain"
	"duel_arena/internal/session"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SessionRepository struct {
	db *pgxpool.Pool
}

func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

// RecordSession stores a finished session and applies its rating changes in one
// transaction. Delivering the same record twice changes nothing.
func (r *SessionRepository) RecordSession(ctx context.Context, rec session.Record) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO game_sessions
			(session_id, kind, participant_a_id, participant_b_id, winner_id,
			 score_a, score_b, move_count, duration_ms, finished_at, outcome, outcome_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, string(rec.Kind), rec.ParticipantAID, rec.ParticipantBID, rec.WinnerID,
		rec.ScoreA, rec.ScoreB, rec.MoveCount, rec.DurationMs, rec.FinishedAt,
		string(rec.Outcome), rec.OutcomeReason,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, ch := range rec.Ratings {
		tag, err := tx.Exec(ctx,
			`INSERT INTO rating_changes (session_id, user_id, old_rating, new_rating)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, user_id) DO NOTHING`,
			rec.SessionID, ch.UserID, ch.Old, ch.New,
		)
		if err != nil {
			return fmt.Errorf("insert rating change: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO player_ratings (user_id, display_name, rating, games, updated_at)
			 VALUES ($1, $2, $3, 1, NOW())
			 ON CONFLICT (user_id) DO UPDATE
			 SET rating = EXCLUDED.rating,
			     games = player_ratings.games + 1,
			     display_name = CASE WHEN EXCLUDED.display_name = '' THEN player_ratings.display_name ELSE EXCLUDED.display_name END,
			     updated_at = NOW()`,
			ch.UserID, ch.DisplayName, ch.New,
		)
		if err != nil {
			return fmt.Errorf("update rating: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetByID returns a persisted session or pgx.ErrNoRows.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.SessionResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT session_id, kind, participant_a_id, participant_b_id, winner_id,
				score_a, score_b, move_count, duration_ms, finished_at, outcome, outcome_reason
		 FROM game_sessions
		 WHERE session_id = $1`,
		id,
	)
	if err != nil {
		return nil, err
	}
	res, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[domain.SessionResult])
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListByUser returns the user's finished sessions, newest first.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.SessionResult, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT session_id, kind, participant_a_id, participant_b_id, winner_id,
				score_a, score_b, move_count, duration_ms, finished_at, outcome, outcome_reason
		 FROM game_sessions
		 WHERE participant_a_id = $1 OR participant_b_id = $1
		 ORDER BY finished_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[domain.SessionResult])
}
