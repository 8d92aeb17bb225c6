package engine

import (
	"context"
	"fmt"
	"log/slog"

	"outlook-organiser/internal/config"
	"outlook-organiser/internal/database"
	"outlook-organiser/internal/graph"
)

// Applier carries an approved triage decision out to the mailbox: move
// the message into its folder and tag it with categories. Moving into an
// Area folder applies the Area name as a taxonomy category; Projects do
// not produce one.
type Applier struct {
	client graph.Client
	db     *database.DB
	cfg    func() *config.Config
	logger *slog.Logger
}

// NewApplier creates an applier. cfg is called per apply so hot reloads
// take effect.
func NewApplier(client graph.Client, db *database.DB, cfg func() *config.Config, logger *slog.Logger) *Applier {
	return &Applier{client: client, db: db, cfg: cfg, logger: logger}
}

// Apply moves the email and merges its categories. The move is idempotent
// at the mail capability; category merge failures after the capability's
// conflict retries are returned to the caller without undoing the move.
func (a *Applier) Apply(ctx context.Context, email *database.Email, folder, priority, actionType string) error {
	folderID, err := a.client.GetFolderID(ctx, folder)
	if err != nil {
		folderRef, cerr := a.client.CreateFolder(ctx, folder)
		if cerr != nil {
			return fmt.Errorf("resolve destination %q: %w", folder, err)
		}
		folderID = folderRef.ID
	}

	if err := a.client.MoveMessage(ctx, email.ID, folderID); err != nil {
		return fmt.Errorf("move %s: %w", email.ID, err)
	}

	categories := []string{priority, actionType}
	if area := a.cfg().AreaNameForFolder(folder); area != "" {
		categories = append(categories, area)
	}
	if err := a.client.AddCategories(ctx, email.ID, categories); err != nil {
		return fmt.Errorf("categorise %s: %w", email.ID, err)
	}

	if err := a.db.Audit.LogAction("", database.ActionMove, email.ID, database.TriggeredByUser, database.MoveActionDetail{
		FromFolder: email.FolderPath,
		ToFolder:   folder,
		Categories: categories,
	}); err != nil {
		a.logger.Warn("move audit write failed", "email_id", email.ID, "error", err)
	}
	return nil
}
