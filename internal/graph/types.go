package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is the fixed projection of a mail message the triage core works
// with. Bodies are never fetched; BodyPreview is the provider's snippet
// before cleaning.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId"`
	ConversationIndex []byte    `json:"conversationIndex,omitempty"`
	Subject           string    `json:"subject"`
	FromAddress       string    `json:"fromAddress"`
	FromName          string    `json:"fromName"`
	ReceivedAt        time.Time `json:"receivedDateTime"`
	BodyPreview       string    `json:"bodyPreview"`
	IsFlagged         bool      `json:"isFlagged"`
	ParentFolderID    string    `json:"parentFolderId"`
	WebLink           string    `json:"webLink"`
	Importance        string    `json:"importance"`
	IsRead            bool      `json:"isRead"`
}

// Folder is a mail folder node.
type Folder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	ParentID    string `json:"parentFolderId"`
}

// ListOptions narrows a folder listing.
type ListOptions struct {
	Filter   string
	OrderBy  string
	Top      int
	MaxItems int
}

// Client is the mail capability the triage core requires. Implementations
// must treat MoveMessage as idempotent (no-op when the message already sits
// in the destination) and AddCategories as an optimistic-concurrency merge.
type Client interface {
	ListMessages(ctx context.Context, folderID string, opts ListOptions) ([]Message, error)
	GetDeltaMessages(ctx context.Context, folderID, cursor string) (messages []Message, newCursor string, err error)
	MoveMessage(ctx context.Context, messageID, destFolderID string) error
	SetCategories(ctx context.Context, messageID string, categories []string) error
	AddCategories(ctx context.Context, messageID string, categories []string) error
	GetThreadMessages(ctx context.Context, conversationID string, max int) ([]Message, error)
	GetFolderByPath(ctx context.Context, path string) (*Folder, error)
	GetFolderID(ctx context.Context, path string) (string, error)
	CreateFolder(ctx context.Context, path string) (*Folder, error)
	HealthCheck(ctx context.Context) error
}

// ErrDeltaTokenExpired signals the provider rejected the delta cursor
// (HTTP 410); the caller clears the cursor and falls back to a timestamp
// window query.
var ErrDeltaTokenExpired = errors.New("graph: delta token expired")

// ErrConflict signals an optimistic-concurrency loss (HTTP 412) that
// survived the client's merge retries.
var ErrConflict = errors.New("graph: precondition failed")

// ErrNotFound signals a 404 from the provider.
var ErrNotFound = errors.New("graph: not found")

// APIError is any other mail capability failure. Rate limiting surfaces
// here too (StatusCode 429) after the transport's own backoff is exhausted.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("graph: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("graph: %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether the failure was provider throttling.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}
