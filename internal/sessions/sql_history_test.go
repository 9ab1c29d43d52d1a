package sessions

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nexus-agents/agentgw/pkg/models"
)

// setupMockStore builds a store over a sqlmock database, satisfying the
// ten statement preparations the constructor performs.
func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLHistoryStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}

	for _, fragment := range []string{
		"INSERT INTO sessions",
		"FROM sessions WHERE id",
		"UPDATE sessions SET title",
		"UPDATE sessions SET status",
		"DELETE FROM sessions",
		"FROM sessions WHERE user_id",
		"INSERT INTO messages",
		"FROM messages WHERE session_id",
		"UPDATE sessions SET updated_at",
		"JOIN sessions s ON",
	} {
		mock.ExpectPrepare(fragment)
	}

	store, err := NewSQLHistoryStoreFromDB(db, nil, nil)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return db, mock, store
}

func sessionColumns() []string {
	return []string{
		"id", "user_id", "window_id", "thread_id", "title", "context",
		"status", "created_at", "updated_at", "last_activity", "deleted_at",
	}
}

func messageColumns() []string {
	return []string{
		"id", "session_id", "sequence_num", "role", "content",
		"attachments", "tool_calls", "tool_results", "metadata", "created_at",
	}
}

func TestSQLHistoryStore_Create(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "successful create",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO sessions").
					WithArgs(
						"s1", "alice", "w1", "alice:s1", "Test",
						sqlmock.AnyArg(), // context JSON
						models.SessionAvailable,
						sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
					).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO sessions").
					WillReturnError(errors.New("connection lost"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockStore(t)
			defer db.Close()
			tt.setupMock(mock)

			session := &models.Session{
				ID:       "s1",
				UserID:   "alice",
				WindowID: "w1",
				ThreadID: "alice:s1",
				Title:    "Test",
				Context:  map[string]any{"foo": "bar"},
			}
			err := store.Create(context.Background(), session)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestSQLHistoryStore_Get(t *testing.T) {
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectQuery("FROM sessions WHERE id").
			WithArgs("s1").
			WillReturnRows(sqlmock.NewRows(sessionColumns()).AddRow(
				"s1", "alice", "w1", "alice:s1", "Test", []byte(`{"foo":"bar"}`),
				string(models.SessionAvailable), now, now, now, nil,
			))

		session, err := store.Get(context.Background(), "s1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if session.UserID != "alice" || session.ThreadID != "alice:s1" {
			t.Errorf("unexpected session: %+v", session)
		}
		if session.Context["foo"] != "bar" {
			t.Errorf("context not decoded: %+v", session.Context)
		}
		if session.DeletedAt != nil {
			t.Errorf("DeletedAt = %v, want nil", session.DeletedAt)
		}
	})

	t.Run("not found", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectQuery("FROM sessions WHERE id").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := store.Get(context.Background(), "missing")
		var notFound *ErrSessionNotFound
		if !errors.As(err, &notFound) {
			t.Fatalf("Get() error = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("soft-deleted session keeps deleted_at", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		deleted := now.Add(time.Hour)
		mock.ExpectQuery("FROM sessions WHERE id").
			WithArgs("s2").
			WillReturnRows(sqlmock.NewRows(sessionColumns()).AddRow(
				"s2", "alice", "", "alice:s2", "", []byte(`{}`),
				string(models.SessionDeleted), now, deleted, deleted, deleted,
			))

		session, err := store.Get(context.Background(), "s2")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if session.Status != models.SessionDeleted {
			t.Errorf("Status = %q, want deleted", session.Status)
		}
		if session.DeletedAt == nil || !session.DeletedAt.Equal(deleted) {
			t.Errorf("DeletedAt = %v, want %v", session.DeletedAt, deleted)
		}
	})
}

func TestSQLHistoryStore_SoftDeleteNotFound(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("UPDATE sessions SET status").
		WithArgs(models.SessionDeleted, sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SoftDelete(context.Background(), "missing")
	var notFound *ErrSessionNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("SoftDelete() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLHistoryStore_HardDelete(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.HardDelete(context.Background(), "s1"); err != nil {
		t.Fatalf("HardDelete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLHistoryStore_AppendMessageTransaction(t *testing.T) {
	t.Run("commit on success", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO messages").
			WithArgs(
				sqlmock.AnyArg(), "s1", int64(0), models.RoleUser, "hi",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE sessions SET updated_at").
			WithArgs(sqlmock.AnyArg(), "s1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		msg := &models.Message{Role: models.RoleUser, Content: "hi"}
		if err := store.AppendMessage(context.Background(), "s1", msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
		if msg.ID == "" {
			t.Error("expected an id to be assigned")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("rollback when insert fails", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO messages").
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		msg := &models.Message{Role: models.RoleUser, Content: "hi"}
		if err := store.AppendMessage(context.Background(), "s1", msg); err == nil {
			t.Fatal("expected an error")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("rollback when touch fails", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO messages").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE sessions SET updated_at").
			WillReturnError(errors.New("deadlock"))
		mock.ExpectRollback()

		msg := &models.Message{Role: models.RoleUser, Content: "hi"}
		if err := store.AppendMessage(context.Background(), "s1", msg); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestSQLHistoryStore_GetHistoryReturnsChronologicalOrder(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	// The statement selects newest-first; the store reverses into
	// chronological order before returning.
	mock.ExpectQuery("FROM messages WHERE session_id").
		WithArgs("s1", 10).
		WillReturnRows(sqlmock.NewRows(messageColumns()).
			AddRow("m2", "s1", int64(2), string(models.RoleAssistant), "hello",
				[]byte("null"), []byte("null"), []byte(`[{"tool_call_id":"c1","content":"out"}]`), []byte("null"), base.Add(time.Minute)).
			AddRow("m1", "s1", int64(1), string(models.RoleUser), "hi",
				[]byte(`[{"id":"a1","type":"image","data":"Zm9v"}]`), []byte("null"), []byte("null"), []byte("null"), base),
		)

	messages, err := store.GetHistory(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("len = %d, want 2", len(messages))
	}
	if messages[0].ID != "m1" || messages[1].ID != "m2" {
		t.Errorf("order = [%s, %s], want [m1, m2]", messages[0].ID, messages[1].ID)
	}
	if len(messages[0].Attachments) != 1 || messages[0].Attachments[0].Data != "Zm9v" {
		t.Errorf("attachments not decoded: %+v", messages[0].Attachments)
	}
	if len(messages[1].ToolResults) != 1 || messages[1].ToolResults[0].ToolCallID != "c1" {
		t.Errorf("tool results not decoded: %+v", messages[1].ToolResults)
	}
}

func TestSQLHistoryStore_SearchMessagesUsesLikePattern(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("JOIN sessions s ON").
		WithArgs("alice", "%hello%", 50).
		WillReturnRows(sqlmock.NewRows(messageColumns()).
			AddRow("m1", "s1", int64(1), string(models.RoleUser), "hello there",
				[]byte("null"), []byte("null"), []byte("null"), []byte("null"), now),
		)

	messages, err := store.SearchMessages(context.Background(), "alice", "hello", 50)
	if err != nil {
		t.Fatalf("SearchMessages() error = %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "hello there" {
		t.Errorf("unexpected results: %+v", messages)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLHistoryStore_ListByUser(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("FROM sessions WHERE user_id").
		WithArgs("alice", 100, 0).
		WillReturnRows(sqlmock.NewRows(sessionColumns()).
			AddRow("s1", "alice", "", "alice:s1", "", []byte(`{}`),
				string(models.SessionAvailable), now, now, now, nil).
			AddRow("s2", "alice", "w2", "alice:s2", "Second", []byte(`{}`),
				string(models.SessionAvailable), now, now, now, nil),
		)

	out, err := store.ListByUser(context.Background(), "alice", ListOptions{})
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[1].WindowID != "w2" {
		t.Errorf("WindowID = %q, want w2", out[1].WindowID)
	}
}
