package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"telemetry-service/internal/eventing"
	eventingrepo "telemetry-service/internal/eventing/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestDLQStore_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := eventingrepo.EnsureSchema(ctx, db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	queue := "it-" + uuid.NewString()
	defer func() {
		_, _ = db.ExecContext(context.Background(), "DELETE FROM dead_letter_messages WHERE queue = $1", queue)
	}()

	store := eventingrepo.NewDLQStore(db)
	letter := eventing.DeadLetter{
		Queue:       queue,
		MessageID:   "m-1",
		Fingerprint: "fp-1",
		ContentType: "application/json",
		Body:        []byte("not json"),
		Error:       "decode failed",
		Attempts:    10,
		RecordedAt:  time.Now().UTC(),
	}
	if err := store.RecordDeadLetter(ctx, letter); err != nil {
		t.Fatalf("record: %v", err)
	}
	letter.Error = "decode failed again"
	letter.Attempts = 5
	if err := store.RecordDeadLetter(ctx, letter); err != nil {
		t.Fatalf("record again: %v", err)
	}

	letters, err := store.ListDeadLetters(ctx, queue, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected merged dead letter, got %d", len(letters))
	}
	got := letters[0]
	if got.Attempts != 15 || got.Error != "decode failed again" || string(got.Body) != "not json" {
		t.Fatalf("unexpected dead letter %+v", got)
	}
}
