package database

import (
	"fmt"
	"strings"
	"time"
)

// Email classification status values.
const (
	ClassificationPending    = "pending"
	ClassificationClassified = "classified"
	ClassificationFailed     = "failed"
)

// Suggestion status values. Everything except "pending" is terminal.
const (
	SuggestionPending  = "pending"
	SuggestionApproved = "approved"
	SuggestionRejected = "rejected"
	SuggestionPartial  = "partial"
)

// WaitingFor status values.
const (
	WaitingStatusWaiting  = "waiting"
	WaitingStatusReceived = "received"
	WaitingStatusExpired  = "expired"
)

// Sender profile categories.
const (
	SenderCategoryKeyContact = "key_contact"
	SenderCategoryNewsletter = "newsletter"
	SenderCategoryAutomated  = "automated"
	SenderCategoryInternal   = "internal"
	SenderCategoryClient     = "client"
	SenderCategoryVendor     = "vendor"
	SenderCategoryUnknown    = "unknown"
)

// Reserved agent_state keys.
const (
	StateKeyLastProcessedTimestamp = "last_processed_timestamp"
	StateKeyLastTriageCycle        = "last_triage_cycle"
	StateKeyLastTriageCycleID      = "last_triage_cycle_id"
	StateKeyPreferences            = "classification_preferences"
	StateKeyPreferencesLearnedAt   = "classification_preferences_learned_at"
)

// DeltaTokenKey returns the agent_state key that holds the incremental sync
// cursor for a watched folder.
func DeltaTokenKey(folder string) string {
	return "delta_token_" + folder
}

// Email is one message as persisted by the store. The ID is the mail
// provider's opaque message id.
type Email struct {
	ID                     string    `json:"id"`
	ConversationID         string    `json:"conversation_id"`
	ConversationIndex      []byte    `json:"conversation_index,omitempty"`
	Subject                string    `json:"subject"`
	SenderAddress          string    `json:"sender_address"`
	SenderName             string    `json:"sender_name"`
	ReceivedAt             time.Time `json:"received_at"`
	Snippet                string    `json:"snippet"`
	FolderPath             string    `json:"folder_path"`
	Importance             string    `json:"importance"`
	IsRead                 bool      `json:"is_read"`
	IsFlagged              bool      `json:"is_flagged"`
	HasUserReplied         bool      `json:"has_user_replied"`
	InheritedFolder        *string   `json:"inherited_folder,omitempty"`
	ProcessedAt            time.Time `json:"processed_at"`
	ClassificationJSON     *string   `json:"classification_json,omitempty"`
	ClassificationAttempts int       `json:"classification_attempts"`
	ClassificationStatus   string    `json:"classification_status"`
	WebLink                string    `json:"web_link,omitempty"`
}

// Suggestion is one proposed triage decision for an email. While status is
// "pending" the approved fields and resolved_at are null; in every other
// status all of them are set.
type Suggestion struct {
	ID                  int64      `json:"id"`
	EmailID             string     `json:"email_id"`
	CreatedAt           time.Time  `json:"created_at"`
	SuggestedFolder     string     `json:"suggested_folder"`
	SuggestedPriority   string     `json:"suggested_priority"`
	SuggestedActionType string     `json:"suggested_action_type"`
	Confidence          float64    `json:"confidence"`
	Reasoning           string     `json:"reasoning"`
	Status              string     `json:"status"`
	ApprovedFolder      *string    `json:"approved_folder,omitempty"`
	ApprovedPriority    *string    `json:"approved_priority,omitempty"`
	ApprovedActionType  *string    `json:"approved_action_type,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
}

// IsCorrection reports whether a resolved suggestion was edited by the user
// (any approved field differs from its suggested counterpart).
func (s *Suggestion) IsCorrection() bool {
	if s.ApprovedFolder == nil || s.ApprovedPriority == nil || s.ApprovedActionType == nil {
		return false
	}
	return *s.ApprovedFolder != s.SuggestedFolder ||
		*s.ApprovedPriority != s.SuggestedPriority ||
		*s.ApprovedActionType != s.SuggestedActionType
}

// WaitingFor tracks a "Waiting For" item created when a classification
// identifies an expected reply from someone.
type WaitingFor struct {
	ID              int64      `json:"id"`
	EmailID         string     `json:"email_id"`
	ConversationID  string     `json:"conversation_id"`
	WaitingSince    time.Time  `json:"waiting_since"`
	ExpectedFrom    string     `json:"expected_from"`
	Description     string     `json:"description"`
	Status          string     `json:"status"`
	NudgeAfterHours int        `json:"nudge_after_hours"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// SenderProfile aggregates what the system knows about one sender. Identity
// is the lowercased address.
type SenderProfile struct {
	Address           string    `json:"address"`
	DisplayName       string    `json:"display_name"`
	Domain            string    `json:"domain"`
	Category          string    `json:"category"`
	DefaultFolder     *string   `json:"default_folder,omitempty"`
	EmailCount        int       `json:"email_count"`
	LastSeen          time.Time `json:"last_seen"`
	AutoRuleCandidate bool      `json:"auto_rule_candidate"`
}

// SenderHistory summarises where a sender's past mail ended up after user
// resolution.
type SenderHistory struct {
	Address      string         `json:"address"`
	Total        int            `json:"total"`
	FolderCounts map[string]int `json:"folder_counts"`
}

// Dominant returns the most common destination folder and its share of the
// sender's resolved mail. Share is 0 when there is no history. Folder name
// breaks ties so the result is deterministic.
func (h *SenderHistory) Dominant() (folder string, pct float64) {
	if h == nil || h.Total == 0 {
		return "", 0
	}
	best := 0
	for f, n := range h.FolderCounts {
		if n > best || (n == best && (folder == "" || f < folder)) {
			best = n
			folder = f
		}
	}
	return folder, float64(best) / float64(h.Total)
}

// IsStrong reports whether the sender shows a strong filing pattern: at
// least 5 resolved classifications with 80% or more going to one folder.
func (h *SenderHistory) IsStrong() bool {
	if h == nil {
		return false
	}
	_, pct := h.Dominant()
	return h.Total >= 5 && pct >= 0.8
}

// Correction is one resolved suggestion the user edited, as fed to the
// preference learner.
type Correction struct {
	EmailID             string    `json:"email_id"`
	SenderAddress       string    `json:"sender_address"`
	Subject             string    `json:"subject"`
	SuggestedFolder     string    `json:"suggested_folder"`
	SuggestedPriority   string    `json:"suggested_priority"`
	SuggestedActionType string    `json:"suggested_action_type"`
	ApprovedFolder      string    `json:"approved_folder"`
	ApprovedPriority    string    `json:"approved_priority"`
	ApprovedActionType  string    `json:"approved_action_type"`
	ResolvedAt          time.Time `json:"resolved_at"`
}

// ActionLogEntry is one append-only audit row. Details holds a JSON blob
// whose shape is fixed by the producing site (see audit.go).
type ActionLogEntry struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	CycleID     string    `json:"cycle_id"`
	ActionType  string    `json:"action_type"`
	EmailID     string    `json:"email_id"`
	TriggeredBy string    `json:"triggered_by"`
	Details     string    `json:"details"`
}

// LLMLogEntry is one recorded LLM exchange, retained for a bounded window.
type LLMLogEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	CycleID    string    `json:"cycle_id"`
	Purpose    string    `json:"purpose"`
	Model      string    `json:"model"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Prompt     string    `json:"prompt,omitempty"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// DatabaseError wraps every storage failure so callers see a single failure
// domain with the original cause attached.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// wrapErr normalises a storage error into a DatabaseError. Returns nil for a
// nil cause so call sites can wrap unconditionally.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Op: op, Err: err}
}

// AddressDomain extracts the domain part of an email address, lowercased.
func AddressDomain(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}
