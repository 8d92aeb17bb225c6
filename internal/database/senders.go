package database

import (
	"database/sql"
	"strings"
)

const senderColumns = `address, display_name, domain, category, default_folder,
	email_count, last_seen, auto_rule_candidate`

// The category CASE keeps a known categorisation sticky: a non-unknown value
// fills an unknown slot but an existing non-unknown value is never replaced.
const upsertSenderQuery = `
	INSERT INTO sender_profiles (
		address, display_name, domain, category, default_folder,
		email_count, last_seen, auto_rule_candidate
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(address) DO UPDATE SET
		display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name
			ELSE sender_profiles.display_name END,
		domain = excluded.domain,
		category = CASE WHEN sender_profiles.category = 'unknown' AND excluded.category != 'unknown'
			THEN excluded.category ELSE sender_profiles.category END,
		default_folder = COALESCE(excluded.default_folder, sender_profiles.default_folder),
		email_count = sender_profiles.email_count + excluded.email_count,
		last_seen = MAX(COALESCE(sender_profiles.last_seen, excluded.last_seen), excluded.last_seen),
		auto_rule_candidate = sender_profiles.auto_rule_candidate OR excluded.auto_rule_candidate
`

// SenderStore handles database operations for sender profiles
type SenderStore struct {
	db *sql.DB
}

func NewSenderStore(db *sql.DB) *SenderStore {
	return &SenderStore{db: db}
}

// Upsert writes a sender profile keyed by lowercased address. When increment
// is true the stored email count grows by the profile's count (minimum 1);
// otherwise the count is left untouched for existing rows.
func (s *SenderStore) Upsert(profile *SenderProfile, increment bool) error {
	address := strings.ToLower(profile.Address)
	domain := profile.Domain
	if domain == "" {
		domain = AddressDomain(address)
	}
	category := profile.Category
	if category == "" {
		category = SenderCategoryUnknown
	}

	delta := 0
	if increment {
		delta = profile.EmailCount
		if delta < 1 {
			delta = 1
		}
	}

	_, err := s.db.Exec(upsertSenderQuery,
		address, profile.DisplayName, domain, category, profile.DefaultFolder,
		delta, profile.LastSeen, profile.AutoRuleCandidate)
	return wrapErr("upsert sender profile", err)
}

// UpsertBatch writes several profiles in one transaction, incrementing each
// profile's email count.
func (s *SenderStore) UpsertBatch(profiles []SenderProfile) error {
	if len(profiles) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return wrapErr("upsert sender profiles batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertSenderQuery)
	if err != nil {
		return wrapErr("upsert sender profiles batch", err)
	}
	defer stmt.Close()

	for i := range profiles {
		p := &profiles[i]
		address := strings.ToLower(p.Address)
		domain := p.Domain
		if domain == "" {
			domain = AddressDomain(address)
		}
		category := p.Category
		if category == "" {
			category = SenderCategoryUnknown
		}
		delta := p.EmailCount
		if delta < 1 {
			delta = 1
		}
		_, err := stmt.Exec(address, p.DisplayName, domain, category,
			p.DefaultFolder, delta, p.LastSeen, p.AutoRuleCandidate)
		if err != nil {
			return wrapErr("upsert sender profiles batch", err)
		}
	}

	return wrapErr("upsert sender profiles batch", tx.Commit())
}

// GetProfile returns a sender profile by address (case-insensitive), or nil.
func (s *SenderStore) GetProfile(address string) (*SenderProfile, error) {
	query := `SELECT ` + senderColumns + ` FROM sender_profiles WHERE address = ?`

	var p SenderProfile
	var lastSeen sql.NullTime
	err := s.db.QueryRow(query, strings.ToLower(address)).Scan(
		&p.Address, &p.DisplayName, &p.Domain, &p.Category, &p.DefaultFolder,
		&p.EmailCount, &lastSeen, &p.AutoRuleCandidate,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapErr("get sender profile", err)
	}
	if lastSeen.Valid {
		p.LastSeen = lastSeen.Time
	}
	return &p, nil
}

// GetHistory returns the resolved-classification history for one sender:
// total resolved suggestions and how they distribute over destination
// folders (the user's approved folder when present).
func (s *SenderStore) GetHistory(address string) (*SenderHistory, error) {
	query := `
		SELECT COALESCE(sg.approved_folder, sg.suggested_folder) AS folder, COUNT(*)
		FROM suggestions sg
		JOIN emails e ON e.id = sg.email_id
		WHERE e.sender_address = ? AND sg.status IN ('approved', 'partial')
		GROUP BY folder`

	rows, err := s.db.Query(query, strings.ToLower(address))
	if err != nil {
		return nil, wrapErr("get sender history", err)
	}
	defer rows.Close()

	history := &SenderHistory{
		Address:      strings.ToLower(address),
		FolderCounts: make(map[string]int),
	}
	for rows.Next() {
		var folder string
		var count int
		if err := rows.Scan(&folder, &count); err != nil {
			return nil, wrapErr("get sender history", err)
		}
		history.FolderCounts[folder] = count
		history.Total += count
	}
	return history, wrapErr("get sender history", rows.Err())
}

// GetHistoriesBatch returns histories for several senders keyed by
// lowercased address. Senders with no history get an empty entry.
func (s *SenderStore) GetHistoriesBatch(addresses []string) (map[string]*SenderHistory, error) {
	result := make(map[string]*SenderHistory, len(addresses))
	if len(addresses) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?,", len(addresses))
	placeholders = placeholders[:len(placeholders)-1]
	query := `
		SELECT e.sender_address,
			COALESCE(sg.approved_folder, sg.suggested_folder) AS folder, COUNT(*)
		FROM suggestions sg
		JOIN emails e ON e.id = sg.email_id
		WHERE e.sender_address IN (` + placeholders + `)
		  AND sg.status IN ('approved', 'partial')
		GROUP BY e.sender_address, folder`

	args := make([]interface{}, len(addresses))
	for i, addr := range addresses {
		lower := strings.ToLower(addr)
		args[i] = lower
		result[lower] = &SenderHistory{Address: lower, FolderCounts: make(map[string]int)}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapErr("get sender histories batch", err)
	}
	defer rows.Close()

	for rows.Next() {
		var address, folder string
		var count int
		if err := rows.Scan(&address, &folder, &count); err != nil {
			return nil, wrapErr("get sender histories batch", err)
		}
		history, ok := result[address]
		if !ok {
			continue
		}
		history.FolderCounts[folder] = count
		history.Total += count
	}
	return result, wrapErr("get sender histories batch", rows.Err())
}
