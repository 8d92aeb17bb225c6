package database

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testEmail(id string) Email {
	return Email{
		ID:             id,
		ConversationID: "conv-" + id,
		Subject:        "Quarterly report",
		SenderAddress:  "Alice@Example.com",
		SenderName:     "Alice",
		ReceivedAt:     time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Snippet:        "Please find the report attached.",
		FolderPath:     "Inbox",
		Importance:     "normal",
	}
}

func TestSaveEmailUpsert(t *testing.T) {
	db := setupTestDB(t)

	email := testEmail("msg-1")
	require.NoError(t, db.Emails.SaveEmail(&email))

	// Second save with the same id must not create a second row
	email.Subject = "Quarterly report (updated)"
	require.NoError(t, db.Emails.SaveEmail(&email))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM emails").Scan(&count))
	assert.Equal(t, 1, count)

	stored, err := db.Emails.GetEmail("msg-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Quarterly report (updated)", stored.Subject)
	assert.Equal(t, "alice@example.com", stored.SenderAddress, "sender address should be lowercased")
	assert.Equal(t, ClassificationPending, stored.ClassificationStatus)
}

func TestSaveEmailTruncatesSnippet(t *testing.T) {
	db := setupTestDB(t)
	db.Emails.SetSnippetLimit(100)

	email := testEmail("msg-long")
	email.Snippet = strings.Repeat("x", 5000)
	require.NoError(t, db.Emails.SaveEmail(&email))

	stored, err := db.Emails.GetEmail("msg-long")
	require.NoError(t, err)
	assert.Len(t, stored.Snippet, 100)
}

func TestSaveEmailTruncatesSnippetOnRuneBoundary(t *testing.T) {
	db := setupTestDB(t)
	db.Emails.SetSnippetLimit(11)

	// Two-byte runes; a byte cut at eleven would split the sixth é
	email := testEmail("msg-rune")
	email.Snippet = strings.Repeat("é", 20)
	require.NoError(t, db.Emails.SaveEmail(&email))

	stored, err := db.Emails.GetEmail("msg-rune")
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(stored.Snippet))
	assert.Equal(t, strings.Repeat("é", 5), stored.Snippet)
}

func TestSaveEmailsBatchTruncatesSnippet(t *testing.T) {
	db := setupTestDB(t)
	db.Emails.SetSnippetLimit(50)

	emails := []Email{testEmail("b1"), testEmail("b2")}
	emails[1].Snippet = strings.Repeat("y", 2000)

	saved, err := db.Emails.SaveEmailsBatch(emails)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	stored, err := db.Emails.GetEmail("b2")
	require.NoError(t, err)
	assert.Len(t, stored.Snippet, 50)
}

func TestSaveEmailsBatchEmpty(t *testing.T) {
	db := setupTestDB(t)

	saved, err := db.Emails.SaveEmailsBatch(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, saved)
}

func TestEmailExists(t *testing.T) {
	db := setupTestDB(t)

	exists, err := db.Emails.EmailExists("nope")
	require.NoError(t, err)
	assert.False(t, exists)

	email := testEmail("msg-2")
	require.NoError(t, db.Emails.SaveEmail(&email))

	exists, err = db.Emails.EmailExists("msg-2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGetThreadEmails(t *testing.T) {
	db := setupTestDB(t)

	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"t1", "t2", "t3", "t4"} {
		email := testEmail(id)
		email.ConversationID = "conv-shared"
		email.ReceivedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, db.Emails.SaveEmail(&email))
	}

	thread, err := db.Emails.GetThreadEmails("conv-shared", "t4", 2)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	// Newest first, excluding t4
	assert.Equal(t, "t3", thread[0].ID)
	assert.Equal(t, "t2", thread[1].ID)
}

func TestIncrementClassificationAttempts(t *testing.T) {
	db := setupTestDB(t)

	email := testEmail("msg-3")
	require.NoError(t, db.Emails.SaveEmail(&email))

	for want := 1; want <= 3; want++ {
		got, err := db.Emails.IncrementClassificationAttempts("msg-3")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Absent row returns 0 without error
	got, err := db.Emails.IncrementClassificationAttempts("ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestUpdateClassificationStatus(t *testing.T) {
	db := setupTestDB(t)

	email := testEmail("msg-4")
	require.NoError(t, db.Emails.SaveEmail(&email))

	blob := `{"folder":"Projects/Alpha"}`
	require.NoError(t, db.Emails.UpdateClassificationStatus("msg-4", ClassificationClassified, &blob))

	stored, err := db.Emails.GetEmail("msg-4")
	require.NoError(t, err)
	assert.Equal(t, ClassificationClassified, stored.ClassificationStatus)
	require.NotNil(t, stored.ClassificationJSON)
	assert.Equal(t, blob, *stored.ClassificationJSON)

	// Status-only update keeps the stored blob
	require.NoError(t, db.Emails.UpdateClassificationStatus("msg-4", ClassificationFailed, nil))
	stored, err = db.Emails.GetEmail("msg-4")
	require.NoError(t, err)
	assert.Equal(t, ClassificationFailed, stored.ClassificationStatus)
	require.NotNil(t, stored.ClassificationJSON)
}

func TestGetPendingBacklog(t *testing.T) {
	db := setupTestDB(t)

	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"p1", "p2", "p3"} {
		email := testEmail(id)
		email.ReceivedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, db.Emails.SaveEmail(&email))
	}

	// p2 gets a suggestion, so it leaves the backlog
	_, err := db.Suggestions.Create("p2", "Inbox", "P3 - Routine", "Review", 0.8, "test")
	require.NoError(t, err)

	backlog, err := db.Emails.GetPendingBacklog(10)
	require.NoError(t, err)
	require.Len(t, backlog, 2)
	// FIFO by received time
	assert.Equal(t, "p1", backlog[0].ID)
	assert.Equal(t, "p3", backlog[1].ID)
}

func TestGetEmailsBatch(t *testing.T) {
	db := setupTestDB(t)

	for _, id := range []string{"e1", "e2"} {
		email := testEmail(id)
		require.NoError(t, db.Emails.SaveEmail(&email))
	}

	emails, err := db.Emails.GetEmailsBatch([]string{"e1", "e2", "missing"})
	require.NoError(t, err)
	assert.Len(t, emails, 2)

	emails, err = db.Emails.GetEmailsBatch(nil)
	require.NoError(t, err)
	assert.Empty(t, emails)
}
