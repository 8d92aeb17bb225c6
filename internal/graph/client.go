package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	tokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

	// Provider budget: all outbound calls share one token bucket.
	requestsPerSecond = 10
	requestBurst      = 10

	conflictRetries = 3

	messageSelect = "id,conversationId,conversationIndex,subject,from,receivedDateTime," +
		"bodyPreview,flag,parentFolderId,webLink,importance,isRead"
)

// ClientConfig configures the Graph REST client.
type ClientConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// UserAddress is the mailbox the agent works against.
	UserAddress string
	Timeout     time.Duration

	// BaseURL and HTTPClient are overridable for tests.
	BaseURL    string
	HTTPClient *http.Client
}

// HTTPGraphClient implements Client against the Microsoft Graph REST API.
type HTTPGraphClient struct {
	http    *http.Client
	baseURL string
	user    string
	limiter *rate.Limiter

	mu          sync.Mutex
	folderCache map[string]string // folder path -> folder id
}

// NewClient creates a Graph client using app-only client-credentials auth.
func NewClient(cfg *ClientConfig) (*HTTPGraphClient, error) {
	if cfg.UserAddress == "" {
		return nil, fmt.Errorf("graph: user address is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, fmt.Errorf("graph: tenant id, client id and client secret are required")
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     fmt.Sprintf(tokenURLFormat, cfg.TenantID),
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		}
		httpClient = cc.Client(context.Background())
	}
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &HTTPGraphClient{
		http:        httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		user:        cfg.UserAddress,
		limiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		folderCache: make(map[string]string),
	}, nil
}

// graphMessage is the wire shape of a Graph message resource.
type graphMessage struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversationId"`
	ConversationIndex string `json:"conversationIndex"`
	Subject           string `json:"subject"`
	From              struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"from"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	BodyPreview      string    `json:"bodyPreview"`
	Flag             struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag"`
	ParentFolderID string   `json:"parentFolderId"`
	WebLink        string   `json:"webLink"`
	Importance     string   `json:"importance"`
	IsRead         bool     `json:"isRead"`
	Categories     []string `json:"categories"`
	ETag           string   `json:"@odata.etag"`
	// Delta responses mark deletions with an @removed annotation.
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

func (m *graphMessage) toMessage() Message {
	index, _ := base64.StdEncoding.DecodeString(m.ConversationIndex)
	return Message{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		ConversationIndex: index,
		Subject:           m.Subject,
		FromAddress:       strings.ToLower(m.From.EmailAddress.Address),
		FromName:          m.From.EmailAddress.Name,
		ReceivedAt:        m.ReceivedDateTime,
		BodyPreview:       m.BodyPreview,
		IsFlagged:         m.Flag.FlagStatus == "flagged",
		ParentFolderID:    m.ParentFolderID,
		WebLink:           m.WebLink,
		Importance:        m.Importance,
		IsRead:            m.IsRead,
	}
}

type messagePage struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

type folderPage struct {
	Value []Folder `json:"value"`
}

func (c *HTTPGraphClient) userURL(parts ...string) string {
	return c.baseURL + "/users/" + url.PathEscape(c.user) + "/" + strings.Join(parts, "/")
}

// do performs one rate-limited request and decodes the JSON response into
// out (when non-nil). headers are applied verbatim.
func (c *HTTPGraphClient) do(ctx context.Context, op, method, rawURL string, body interface{}, out interface{}, headers map[string]string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &APIError{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &APIError{Op: op, Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		cause := fmt.Errorf("%s", strings.TrimSpace(string(payload)))
		switch resp.StatusCode {
		case http.StatusGone:
			return fmt.Errorf("%s: %w", op, ErrDeltaTokenExpired)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, Err: cause}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Op: op, Err: err}
	}
	return nil
}

// ListMessages returns messages in a folder, following pagination up to
// opts.MaxItems. FolderID may be a well-known name such as "inbox" or
// "sentitems".
func (c *HTTPGraphClient) ListMessages(ctx context.Context, folderID string, opts ListOptions) ([]Message, error) {
	top := opts.Top
	if top <= 0 {
		top = 50
	}
	query := url.Values{}
	query.Set("$select", messageSelect)
	query.Set("$top", fmt.Sprint(top))
	if opts.Filter != "" {
		query.Set("$filter", opts.Filter)
	}
	if opts.OrderBy != "" {
		query.Set("$orderby", opts.OrderBy)
	}

	next := c.userURL("mailFolders", url.PathEscape(folderID), "messages") + "?" + query.Encode()

	var messages []Message
	for next != "" {
		var page messagePage
		if err := c.do(ctx, "list messages", http.MethodGet, next, nil, &page, nil); err != nil {
			return nil, err
		}
		for i := range page.Value {
			messages = append(messages, page.Value[i].toMessage())
			if opts.MaxItems > 0 && len(messages) >= opts.MaxItems {
				return messages, nil
			}
		}
		next = page.NextLink
	}
	return messages, nil
}

// GetDeltaMessages performs an incremental sync round for a folder. An
// empty cursor starts a fresh delta chain; otherwise the cursor is the
// deltaLink returned by the previous round. Deleted messages are dropped
// from the result.
func (c *HTTPGraphClient) GetDeltaMessages(ctx context.Context, folderID, cursor string) ([]Message, string, error) {
	next := cursor
	if next == "" {
		query := url.Values{}
		query.Set("$select", messageSelect)
		next = c.userURL("mailFolders", url.PathEscape(folderID), "messages", "delta") + "?" + query.Encode()
	}

	var messages []Message
	for {
		var page messagePage
		if err := c.do(ctx, "delta messages", http.MethodGet, next, nil, &page, nil); err != nil {
			return nil, "", err
		}
		for i := range page.Value {
			if page.Value[i].Removed != nil {
				continue
			}
			messages = append(messages, page.Value[i].toMessage())
		}
		if page.DeltaLink != "" {
			return messages, page.DeltaLink, nil
		}
		if page.NextLink == "" {
			return messages, "", &APIError{Op: "delta messages", Err: fmt.Errorf("response carries neither nextLink nor deltaLink")}
		}
		next = page.NextLink
	}
}

// MoveMessage moves a message into a destination folder. Moving a message
// that already sits in the destination is a no-op with zero API calls
// beyond the lookup.
func (c *HTTPGraphClient) MoveMessage(ctx context.Context, messageID, destFolderID string) error {
	var current struct {
		ParentFolderID string `json:"parentFolderId"`
	}
	lookup := c.userURL("messages", url.PathEscape(messageID)) + "?$select=parentFolderId"
	if err := c.do(ctx, "move message", http.MethodGet, lookup, nil, &current, nil); err != nil {
		return err
	}
	if current.ParentFolderID == destFolderID {
		return nil
	}

	body := map[string]string{"destinationId": destFolderID}
	target := c.userURL("messages", url.PathEscape(messageID), "move")
	return c.do(ctx, "move message", http.MethodPost, target, body, nil, nil)
}

// SetCategories replaces the message's category set.
func (c *HTTPGraphClient) SetCategories(ctx context.Context, messageID string, categories []string) error {
	body := map[string]interface{}{"categories": categories}
	target := c.userURL("messages", url.PathEscape(messageID))
	return c.do(ctx, "set categories", http.MethodPatch, target, body, nil, nil)
}

// AddCategories merges categories into the message's existing set without
// duplicates, guarded by If-Match so a concurrent editor forces a re-read.
// After three conflict losses the error is reported to the caller.
func (c *HTTPGraphClient) AddCategories(ctx context.Context, messageID string, categories []string) error {
	target := c.userURL("messages", url.PathEscape(messageID))
	lookup := target + "?$select=categories"

	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		var current graphMessage
		if err := c.do(ctx, "add categories", http.MethodGet, lookup, nil, &current, nil); err != nil {
			return err
		}

		merged := mergeCategories(current.Categories, categories)
		if len(merged) == len(current.Categories) {
			return nil // nothing new to add
		}

		body := map[string]interface{}{"categories": merged}
		headers := map[string]string{}
		if current.ETag != "" {
			headers["If-Match"] = current.ETag
		}
		err := c.do(ctx, "add categories", http.MethodPatch, target, body, nil, headers)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func isConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrConflict.Error())
}

func mergeCategories(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing)+len(extra))
	merged := make([]string, 0, len(existing)+len(extra))
	for _, c := range existing {
		if !seen[c] {
			seen[c] = true
			merged = append(merged, c)
		}
	}
	for _, c := range extra {
		if !seen[c] {
			seen[c] = true
			merged = append(merged, c)
		}
	}
	return merged
}

// GetThreadMessages returns up to max messages in a conversation, newest
// first.
func (c *HTTPGraphClient) GetThreadMessages(ctx context.Context, conversationID string, max int) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	query := url.Values{}
	query.Set("$select", messageSelect)
	query.Set("$filter", fmt.Sprintf("conversationId eq '%s'", strings.ReplaceAll(conversationID, "'", "''")))
	query.Set("$orderby", "receivedDateTime desc")
	query.Set("$top", fmt.Sprint(max))

	target := c.userURL("messages") + "?" + query.Encode()
	var page messagePage
	if err := c.do(ctx, "thread messages", http.MethodGet, target, nil, &page, nil); err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(page.Value))
	for i := range page.Value {
		messages = append(messages, page.Value[i].toMessage())
	}
	return messages, nil
}

// GetFolderByPath resolves a slash-separated folder path ("Projects/Alpha")
// to the folder node, walking child folders from the mailbox root.
func (c *HTTPGraphClient) GetFolderByPath(ctx context.Context, path string) (*Folder, error) {
	folder, err := c.walkPath(ctx, path, false)
	if err != nil {
		return nil, err
	}
	return folder, nil
}

// GetFolderID resolves a folder path to its id, using a process-local cache.
func (c *HTTPGraphClient) GetFolderID(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	if id, ok := c.folderCache[path]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	folder, err := c.GetFolderByPath(ctx, path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.folderCache[path] = folder.ID
	c.mu.Unlock()
	return folder.ID, nil
}

// CreateFolder creates a folder path, creating any missing ancestors.
func (c *HTTPGraphClient) CreateFolder(ctx context.Context, path string) (*Folder, error) {
	return c.walkPath(ctx, path, true)
}

// walkPath descends the folder tree segment by segment. With create set,
// missing segments are created along the way.
func (c *HTTPGraphClient) walkPath(ctx context.Context, path string, create bool) (*Folder, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return nil, &APIError{Op: "resolve folder", Err: fmt.Errorf("empty folder path %q", path)}
	}

	var current *Folder
	parentID := ""
	for _, segment := range segments {
		found, err := c.findChildFolder(ctx, parentID, segment)
		if err != nil {
			return nil, err
		}
		if found == nil {
			if !create {
				return nil, fmt.Errorf("resolve folder %q: %w", path, ErrNotFound)
			}
			found, err = c.createChildFolder(ctx, parentID, segment)
			if err != nil {
				return nil, err
			}
		}
		current = found
		parentID = found.ID
	}
	return current, nil
}

func (c *HTTPGraphClient) findChildFolder(ctx context.Context, parentID, name string) (*Folder, error) {
	query := url.Values{}
	query.Set("$filter", fmt.Sprintf("displayName eq '%s'", strings.ReplaceAll(name, "'", "''")))

	var target string
	if parentID == "" {
		target = c.userURL("mailFolders") + "?" + query.Encode()
	} else {
		target = c.userURL("mailFolders", url.PathEscape(parentID), "childFolders") + "?" + query.Encode()
	}

	var page folderPage
	if err := c.do(ctx, "find folder", http.MethodGet, target, nil, &page, nil); err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return nil, nil
	}
	return &page.Value[0], nil
}

func (c *HTTPGraphClient) createChildFolder(ctx context.Context, parentID, name string) (*Folder, error) {
	var target string
	if parentID == "" {
		target = c.userURL("mailFolders")
	} else {
		target = c.userURL("mailFolders", url.PathEscape(parentID), "childFolders")
	}

	body := map[string]string{"displayName": name}
	var folder Folder
	if err := c.do(ctx, "create folder", http.MethodPost, target, body, &folder, nil); err != nil {
		return nil, err
	}
	return &folder, nil
}

// HealthCheck verifies the mailbox is reachable.
func (c *HTTPGraphClient) HealthCheck(ctx context.Context) error {
	target := c.userURL("mailFolders", "inbox") + "?$select=id"
	return c.do(ctx, "health check", http.MethodGet, target, nil, &struct{}{}, nil)
}
