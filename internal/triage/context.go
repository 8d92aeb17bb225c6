// Package triage assembles the per-message context the classifier works
// from: inheritance candidate, thread history, sender history and profile,
// and the reply-state flag.
package triage

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"outlook-organiser/internal/database"
	"outlook-organiser/internal/graph"
)

// InheritanceConfidence is the fixed confidence attached to a folder
// inherited from a prior thread classification.
const InheritanceConfidence = 0.95

// threadContextLimit caps how many prior messages the context carries.
const threadContextLimit = 3

// ClassificationContext is everything the classifier knows about one
// message beyond the message itself.
type ClassificationContext struct {
	// InheritedFolder is non-empty when the thread has a prior resolved
	// classification and the subject/participant gate passed.
	InheritedFolder     string
	InheritedConfidence float64

	// ThreadEmails holds up to 3 prior messages in the conversation,
	// newest first.
	ThreadEmails []database.Email
	ThreadDepth  int

	SenderHistory *database.SenderHistory
	SenderProfile *database.SenderProfile

	HasUserReplied bool
}

// ReplyChecker reports whether the user has recently replied on a
// conversation. Satisfied by mail.SentCache.
type ReplyChecker interface {
	HasReplied(conversationID string) bool
}

// Assembler builds classification contexts from the store, topping up
// thread history from the mail capability when the store has too little.
type Assembler struct {
	db      *database.DB
	client  graph.Client
	replies ReplyChecker
	logger  *slog.Logger
}

// NewAssembler creates a context assembler.
func NewAssembler(db *database.DB, client graph.Client, replies ReplyChecker, logger *slog.Logger) *Assembler {
	return &Assembler{db: db, client: client, replies: replies, logger: logger}
}

// Assemble builds the context for one stored email. Failures in auxiliary
// lookups (sender history, thread top-up) degrade to missing context
// rather than aborting: a classification with less context beats none.
func (a *Assembler) Assemble(ctx context.Context, email *database.Email) (*ClassificationContext, error) {
	out := &ClassificationContext{
		ThreadDepth: ThreadDepth(email.ConversationIndex),
	}

	out.ThreadEmails = a.threadHistory(ctx, email)

	if folder, ok := a.inheritanceCandidate(email, out.ThreadEmails); ok {
		out.InheritedFolder = folder
		out.InheritedConfidence = InheritanceConfidence
	}

	history, err := a.db.Senders.GetHistory(email.SenderAddress)
	if err != nil {
		a.logger.Warn("sender history lookup failed", "sender", email.SenderAddress, "error", err)
	} else {
		out.SenderHistory = history
	}

	profile, err := a.db.Senders.GetProfile(email.SenderAddress)
	if err != nil {
		a.logger.Warn("sender profile lookup failed", "sender", email.SenderAddress, "error", err)
	} else {
		out.SenderProfile = profile
	}

	if a.replies != nil {
		out.HasUserReplied = a.replies.HasReplied(email.ConversationID)
	}

	return out, nil
}

// threadHistory returns up to threadContextLimit prior messages in the
// conversation, newest first. The store is consulted first; when it holds
// fewer than the target the mail capability tops the list up.
func (a *Assembler) threadHistory(ctx context.Context, email *database.Email) []database.Email {
	thread, err := a.db.Emails.GetThreadEmails(email.ConversationID, email.ID, threadContextLimit)
	if err != nil {
		a.logger.Warn("thread lookup failed", "conversation", email.ConversationID, "error", err)
		thread = nil
	}
	if len(thread) >= threadContextLimit || a.client == nil {
		return thread
	}

	messages, err := a.client.GetThreadMessages(ctx, email.ConversationID, threadContextLimit+1)
	if err != nil {
		a.logger.Warn("thread top-up failed", "conversation", email.ConversationID, "error", err)
		return thread
	}

	seen := make(map[string]bool, len(thread)+1)
	seen[email.ID] = true
	for _, e := range thread {
		seen[e.ID] = true
	}
	for _, m := range messages {
		if len(thread) >= threadContextLimit {
			break
		}
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		thread = append(thread, database.Email{
			ID:                m.ID,
			ConversationID:    m.ConversationID,
			ConversationIndex: m.ConversationIndex,
			Subject:           m.Subject,
			SenderAddress:     m.FromAddress,
			SenderName:        m.FromName,
			ReceivedAt:        m.ReceivedAt,
			Snippet:           m.BodyPreview,
		})
	}
	return thread
}

// inheritanceCandidate checks whether the thread's most recent resolved
// classification may be inherited. It may only when the normalized subject
// matches some prior subject in the thread and the sender's domain appears
// among the prior senders' domains.
func (a *Assembler) inheritanceCandidate(email *database.Email, thread []database.Email) (string, bool) {
	folder, _, ok, err := a.db.Suggestions.GetThreadClassification(email.ConversationID)
	if err != nil {
		a.logger.Warn("thread classification lookup failed",
			"conversation", email.ConversationID, "error", err)
		return "", false
	}
	if !ok || len(thread) == 0 {
		return "", false
	}

	subject := NormalizeSubject(email.Subject)
	domain := database.AddressDomain(email.SenderAddress)

	subjectMatch := false
	domainMatch := false
	for _, prior := range thread {
		if NormalizeSubject(prior.Subject) == subject {
			subjectMatch = true
		}
		if database.AddressDomain(prior.SenderAddress) == domain && domain != "" {
			domainMatch = true
		}
	}
	if !subjectMatch || !domainMatch {
		return "", false
	}
	return folder, true
}

var replyPrefixRe = regexp.MustCompile(`(?i)^(re|fwd?|fw)(\[\d+\])?:\s*`)

// NormalizeSubject strips reply/forward prefix chains, lowercases and
// trims. Normalizing an already-normalized subject is a no-op.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}
	return strings.ToLower(s)
}

// ThreadDepth derives the reply depth from the provider's opaque
// conversation index: 22 bytes of root plus 5 bytes per reply level.
func ThreadDepth(index []byte) int {
	depth := (len(index) - 22) / 5
	if depth < 0 {
		return 0
	}
	return depth
}
