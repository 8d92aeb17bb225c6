package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"outlook-organiser/internal/database"
	"outlook-organiser/internal/graph"
)

// StateStore is the slice of agent state the fetcher needs: delta cursors
// and the last processed timestamp.
type StateStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
}

// FetchedMessage pairs a provider message with the watched folder path it
// was found in.
type FetchedMessage struct {
	graph.Message
	FolderPath string
}

// FetchResult is the outcome of one fetch cycle across all watched folders.
type FetchResult struct {
	Messages []FetchedMessage
	// FolderFailures counts folders skipped this cycle because of a
	// transport failure. The caller feeds this into degradation tracking.
	FolderFailures int
}

// Fetcher pulls new messages from the watched folders using incremental
// delta sync, falling back to a timestamp window query when the provider
// invalidates a cursor.
type Fetcher struct {
	client   graph.Client
	state    StateStore
	logger   *slog.Logger
	lookback time.Duration
	maxItems int

	now func() time.Time
}

// NewFetcher creates a fetcher. lookback bounds how far back the initial
// sync and the cursor-expiry fallback reach.
func NewFetcher(client graph.Client, state StateStore, logger *slog.Logger, lookback time.Duration, maxItems int) *Fetcher {
	if maxItems <= 0 {
		maxItems = 500
	}
	return &Fetcher{
		client:   client,
		state:    state,
		logger:   logger,
		lookback: lookback,
		maxItems: maxItems,
		now:      time.Now,
	}
}

// FetchCycle fetches new messages from every watched folder. A folder that
// fails on a transport error is skipped and counted; the cycle continues
// with the remaining folders. Messages seen in more than one folder are
// returned once, credited to the first folder that produced them.
func (f *Fetcher) FetchCycle(ctx context.Context, folders []string) (*FetchResult, error) {
	result := &FetchResult{}
	seen := make(map[string]bool)

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		messages, err := f.fetchFolder(ctx, folder)
		if err != nil {
			result.FolderFailures++
			f.logger.Warn("folder fetch failed, skipping",
				"folder", folder, "error", err)
			continue
		}

		for i := range messages {
			if seen[messages[i].ID] {
				continue
			}
			seen[messages[i].ID] = true
			result.Messages = append(result.Messages, FetchedMessage{
				Message:    messages[i],
				FolderPath: folder,
			})
		}
	}

	return result, nil
}

// fetchFolder runs one delta round for a folder. An absent cursor means the
// folder has never been synced: the initial full sync is bounded to the
// lookback window. A stored empty cursor means the previous cursor expired;
// the chain restarts the same way. On expiry mid-cycle the cursor is cleared
// and a window query keeps the cycle moving.
func (f *Fetcher) fetchFolder(ctx context.Context, folder string) ([]graph.Message, error) {
	folderID, err := f.client.GetFolderID(ctx, folder)
	if err != nil {
		return nil, fmt.Errorf("resolve folder %q: %w", folder, err)
	}

	key := database.DeltaTokenKey(folder)
	cursor, _, err := f.state.Get(key)
	if err != nil {
		return nil, err
	}

	messages, newCursor, err := f.client.GetDeltaMessages(ctx, folderID, cursor)
	if errors.Is(err, graph.ErrDeltaTokenExpired) {
		f.logger.Warn("delta cursor expired, falling back to window query", "folder", folder)
		if serr := f.state.Set(key, ""); serr != nil {
			return nil, serr
		}
		return f.fetchWindow(ctx, folderID)
	}
	if err != nil {
		return nil, err
	}

	if cursor == "" {
		messages = f.filterWindow(messages)
	}
	if err := f.state.Set(key, newCursor); err != nil {
		return nil, err
	}
	return messages, nil
}

// fetchWindow lists messages received since the fallback boundary: the last
// processed timestamp when one is recorded, otherwise now minus lookback.
func (f *Fetcher) fetchWindow(ctx context.Context, folderID string) ([]graph.Message, error) {
	since := f.windowStart()
	if raw, ok, err := f.state.Get(database.StateKeyLastProcessedTimestamp); err != nil {
		return nil, err
	} else if ok {
		if ts, perr := time.Parse(time.RFC3339, raw); perr == nil && ts.After(since) {
			since = ts
		}
	}

	return f.client.ListMessages(ctx, folderID, graph.ListOptions{
		Filter:   fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)),
		OrderBy:  "receivedDateTime desc",
		MaxItems: f.maxItems,
	})
}

func (f *Fetcher) windowStart() time.Time {
	return f.now().Add(-f.lookback)
}

// filterWindow drops messages older than the lookback window. Used to bound
// the very first sync of a folder, which otherwise replays its full history.
func (f *Fetcher) filterWindow(messages []graph.Message) []graph.Message {
	cutoff := f.windowStart()
	kept := messages[:0]
	for _, m := range messages {
		if !m.ReceivedAt.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	return kept
}
