package feed

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRemote(t *testing.T) (*SQLRemote, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock setup failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &SQLRemote{db: db}, mock
}

func TestSQLPollOnceReadsTrailingWindow(t *testing.T) {
	remote, mock := newMockRemote(t)

	rows := sqlmock.NewRows([]string{
		"id", "sender_id", "content", "type", "image_url", "album_urls",
		"reply_to_id", "created_at", "reactions", "read_by",
	}).
		AddRow("m500", "u2", "older", "text", "", []byte("{}"), "", time.UnixMilli(100), "", []byte("{}")).
		AddRow("m501", "u3", "newest", "text", "", []byte("{}"), "", time.UnixMilli(200), `{"u2":"👍"}`, []byte("{u3}"))

	// The window must come off the tail of the log. A query that takes
	// the oldest rows freezes any room larger than the window: new sends
	// never appear in a batch.
	mock.ExpectQuery(`(?s)ORDER BY created_at DESC\s+LIMIT \$2.*ORDER BY created_at ASC`).
		WithArgs("r1", snapshotWindow).
		WillReturnRows(rows)

	recs, err := remote.PollOnce(context.Background(), "r1")
	if err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "m500" || recs[1].ID != "m501" {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if got := recs[1].CreatedAt.EpochMillis(time.Time{}); got != 200 {
		t.Fatalf("created_at = %d, want 200", got)
	}
	if recs[1].ReactionsByUser["u2"] != "👍" {
		t.Fatalf("reactions not decoded: %v", recs[1].ReactionsByUser)
	}
	if len(recs[1].ReadBy) != 1 || recs[1].ReadBy[0] != "u3" {
		t.Fatalf("read_by not decoded: %v", recs[1].ReadBy)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLUpdateReactionMissingRow(t *testing.T) {
	remote, mock := newMockRemote(t)

	mock.ExpectQuery(`SELECT reactions::text FROM messages`).
		WithArgs("r1", "gone").
		WillReturnError(sql.ErrNoRows)

	if err := remote.UpdateReaction(context.Background(), "r1", "gone", "u1", "👍"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
