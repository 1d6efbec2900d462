package integration

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"duel_arena/internal/game"
	"duel_arena/internal/repository"
	"duel_arena/internal/session"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func applyMigrations(t *testing.T, db *pgxpool.Pool) {
	t.Helper()
	migDir := filepath.Join("..", "migrations")
	files, err := os.ReadDir(migDir)
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(migDir, name))
		if err != nil {
			t.Fatalf("read file: %v", err)
		}
		if _, err := db.Exec(context.Background(), string(b)); err != nil {
			t.Fatalf("apply migration %s: %v", name, err)
		}
	}
}

func connectDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)
	applyMigrations(t, db)
	return db
}

func TestSessionRepository_RecordSessionIsIdempotent(t *testing.T) {
	db := connectDB(t)
	ctx := context.Background()

	sessions := repository.NewSessionRepository(db)
	ratings := repository.NewRatingRepository(db)

	a, b := "it-a-"+uuid.NewString(), "it-b-"+uuid.NewString()
	winner := a
	rec := session.Record{
		SessionID:      uuid.NewString(),
		Kind:           game.KindTicTacToe,
		ParticipantAID: a,
		ParticipantBID: b,
		WinnerID:       &winner,
		ScoreA:         1,
		MoveCount:      5,
		DurationMs:     4200,
		FinishedAt:     time.Now().UTC().Truncate(time.Millisecond),
		Outcome:        session.OutcomeWin,
		OutcomeReason:  "line",
		Ratings: [2]session.RatingChange{
			{UserID: a, DisplayName: "Alice", Old: 1000, New: 1016},
			{UserID: b, DisplayName: "Bob", Old: 1000, New: 984},
		},
	}

	for i := 0; i < 2; i++ {
		if err := sessions.RecordSession(ctx, rec); err != nil {
			t.Fatalf("record session (attempt %d): %v", i+1, err)
		}
	}

	got, err := sessions.GetByID(ctx, rec.SessionID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.MoveCount != 5 || got.WinnerID == nil || *got.WinnerID != a {
		t.Fatalf("stored session = %+v", got)
	}

	ra, err := ratings.Rating(ctx, a)
	if err != nil {
		t.Fatalf("rating a: %v", err)
	}
	rb, err := ratings.Rating(ctx, b)
	if err != nil {
		t.Fatalf("rating b: %v", err)
	}
	if ra != 1016 || rb != 984 {
		t.Fatalf("ratings = %d/%d; want 1016/984", ra, rb)
	}

	history, err := ratings.History(ctx, a, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history len = %d; want 1", len(history))
	}

	list, err := sessions.ListByUser(ctx, b, 10)
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != rec.SessionID {
		t.Fatalf("list by user = %+v", list)
	}
}

func TestRatingRepository_DefaultForUnknownPlayer(t *testing.T) {
	db := connectDB(t)

	r, err := repository.NewRatingRepository(db).Rating(context.Background(), "nobody-"+uuid.NewString())
	if err != nil {
		t.Fatalf("rating: %v", err)
	}
	if r != 1000 {
		t.Fatalf("rating = %d; want 1000", r)
	}
}
