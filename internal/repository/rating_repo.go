package repository

import (
	"context"
	"errors"

	"duel_arena/internal/domain"
	"duel_arena/internal/rating"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RatingRepository struct {
	db *pgxpool.Pool
}

func NewRatingRepository(db *pgxpool.Pool) *RatingRepository {
	return &RatingRepository{db: db}
}

// Rating returns the stored rating, or the default for a player with no games.
func (r *RatingRepository) Rating(ctx context.Context, userID string) (int, error) {
	var v int
	err := r.db.QueryRow(ctx, `SELECT rating FROM player_ratings WHERE user_id = $1`, userID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return rating.DefaultRating, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Top returns the highest rated players.
func (r *RatingRepository) Top(ctx context.Context, limit int) ([]*domain.PlayerRating, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT user_id, display_name, rating, games, updated_at
		 FROM player_ratings
		 ORDER BY rating DESC, games DESC, user_id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[domain.PlayerRating])
}

// History returns the user's rating changes, newest first.
func (r *RatingRepository) History(ctx context.Context, userID string, limit int) ([]*domain.RatingChange, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT session_id, user_id, old_rating, new_rating, created_at
		 FROM rating_changes
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[domain.RatingChange])
}
