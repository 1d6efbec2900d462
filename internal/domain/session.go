package domain

import "time"

// SessionResult is one persisted finished session.
type SessionResult struct {
	SessionID      string    `db:"session_id" json:"session_id"`
	Kind           string    `db:"kind" json:"kind"`
	ParticipantAID string    `db:"participant_a_id" json:"participant_a_id"`
	ParticipantBID string    `db:"participant_b_id" json:"participant_b_id"`
	WinnerID       *string   `db:"winner_id" json:"winner_id"`
	ScoreA         int       `db:"score_a" json:"score_a"`
	ScoreB         int       `db:"score_b" json:"score_b"`
	MoveCount      int       `db:"move_count" json:"move_count"`
	DurationMs     int64     `db:"duration_ms" json:"duration_ms"`
	FinishedAt     time.Time `db:"finished_at" json:"finished_at"`
	Outcome        string    `db:"outcome" json:"outcome"`
	OutcomeReason  string    `db:"outcome_reason" json:"outcome_reason"`
}

// PlayerRating is a row of the ratings table.
type PlayerRating struct {
	UserID      string    `db:"user_id" json:"user_id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Rating      int       `db:"rating" json:"rating"`
	Games       int       `db:"games" json:"games"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// RatingChange is one side of a session's rating update.
type RatingChange struct {
	SessionID string    `db:"session_id" json:"session_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	OldRating int       `db:"old_rating" json:"old_rating"`
	NewRating int       `db:"new_rating" json:"new_rating"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
