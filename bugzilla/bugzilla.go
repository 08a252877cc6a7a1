// Package bugzilla is a client for the bug tracker REST API and the
// autoland extension endpoint on its web UI.
package bugzilla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relengtools/autoland/config"
	"github.com/relengtools/autoland/errs"
)

// User identifies a tracker account.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Flag is a review or approval flag set on an attachment.
type Flag struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Setter User   `json:"setter"`
}

// Attachment is a bug attachment with its flags.
type Attachment struct {
	ID         int    `json:"id"`
	IsPatch    bool   `json:"is_patch"`
	IsObsolete bool   `json:"is_obsolete"`
	Attacher   User   `json:"attacher"`
	Flags      []Flag `json:"flags"`
}

// Bug is the tracker view of a bug.
type Bug struct {
	ID          int          `json:"id"`
	Summary     string       `json:"summary"`
	Attachments []Attachment `json:"attachments"`
}

// Review is a review flag resolved to its reviewer's account.
type Review struct {
	Type     string `json:"type"`
	Result   string `json:"result"`
	Reviewer User   `json:"reviewer"`
}

// Approval is a branch approval flag resolved to its approver's account.
type Approval struct {
	Type     string `json:"type"`
	Result   string `json:"result"`
	Approver User   `json:"approver"`
}

// Patch is an attachment resolved into the review metadata the
// validation rules consume. It travels inside apply jobs, so the wire
// names match the job payload format.
type Patch struct {
	ID        int        `json:"id"`
	Author    User       `json:"author"`
	Reviews   []Review   `json:"reviews"`
	Approvals []Approval `json:"approvals"`
}

// WaitingBug is one entry from the autoland request queue on the web UI.
type WaitingBug struct {
	BugID         int
	Branches      string
	TrySyntax     string
	StatusWhen    time.Time
	AttachmentIDs []int
}

// StatusWhenLayout is the timestamp format used by the queue endpoint.
const StatusWhenLayout = "2006-01-02 15:04:05"

var (
	// bugNumbers matches "Bug NNN", "Bugs NNN, NNN" and "bNNN".
	bugNumbers = regexp.MustCompile(`(?i)\bb(?:ug(?:s)?)?\s*((?:\d+[, ]*)+)\b`)
	digits     = regexp.MustCompile(`\d+`)
	// realNameTail drops "[:ircnick]" style suffixes from real names.
	realNameTail = regexp.MustCompile(`\s*\[`)
)

// BugsFromComments finds things that look like bug references in free
// text and returns their numbers.
func BugsFromComments(comments string) []int {
	m := bugNumbers.FindStringSubmatch(comments)
	if m == nil {
		return nil
	}
	var bugs []int
	for _, d := range digits.FindAllString(m[1], -1) {
		n, err := strconv.Atoi(d)
		if err != nil {
			continue
		}
		bugs = append(bugs, n)
	}
	return bugs
}

// Client talks to the tracker. All requests retry transient transport
// failures within the configured budget.
type Client struct {
	config config.BugzillaConfig
	http   *http.Client
	retry  errs.RetryConfig
	logger *slog.Logger
}

// NewClient creates a tracker client.
func NewClient(cfg config.BugzillaConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		retry: errs.RetryConfig{
			MaxAttempts: cfg.MaxAttempts,
			BackoffBase: cfg.RetryWait,
		},
		logger: logger,
	}
}

// requestJSON performs one HTTP round trip and decodes the response
// into out. Server-side and transport failures come back transient,
// client errors fatal.
func (c *Client) requestJSON(ctx context.Context, method, rawURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.Fatal(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return errs.Fatal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Transient(fmt.Errorf("request %s: %w", rawURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errs.Transient(fmt.Errorf("request %s: status %d", rawURL, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusNotFound {
			return errs.Fatal(fmt.Errorf("request %s: %w", rawURL, errs.ErrNotFound))
		}
		return errs.Fatal(fmt.Errorf("request %s: status %d", rawURL, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Transient(fmt.Errorf("decode %s: %w", rawURL, err))
	}
	return nil
}

// api issues a retried request against the REST API, authenticating
// with the configured credentials.
func (c *Client) api(ctx context.Context, method, path string, body any, out any) error {
	u := c.config.APIURL + path
	if c.config.Username != "" && c.config.Password != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + url.Values{
			"username": {c.config.Username},
			"password": {c.config.Password},
		}.Encode()
	}
	return errs.Retry(ctx, c.retry, func() error {
		return c.requestJSON(ctx, method, u, body, out)
	}, nil)
}

// GetBug fetches bug data including attachments and their flags.
func (c *Client) GetBug(ctx context.Context, bugID int) (*Bug, error) {
	var bug Bug
	if err := c.api(ctx, http.MethodGet, fmt.Sprintf("bug/%d", bugID), nil, &bug); err != nil {
		return nil, fmt.Errorf("get bug %d: %w", bugID, err)
	}
	return &bug, nil
}

// GetUserInfo resolves an account email to its display name and
// canonical email. Returns errs.ErrNotFound for unknown accounts.
func (c *Client) GetUserInfo(ctx context.Context, email string) (*User, error) {
	var raw struct {
		RealName string `json:"real_name"`
		Email    string `json:"email"`
	}
	if err := c.api(ctx, http.MethodGet, "user/"+url.PathEscape(email), nil, &raw); err != nil {
		return nil, fmt.Errorf("get user %s: %w", email, err)
	}
	if raw.RealName == "" {
		return nil, fmt.Errorf("get user %s: %w", email, errs.ErrNotFound)
	}
	user := &User{
		Name:  realNameTail.Split(raw.RealName, 2)[0],
		Email: raw.Email,
	}
	if user.Email == "" {
		user.Email = email
	}
	return user, nil
}

// reviewsFromFlags extracts the review flags from an attachment,
// resolving each setter to an account.
func (c *Client) reviewsFromFlags(ctx context.Context, att Attachment) ([]Review, error) {
	var reviews []Review
	for _, flag := range att.Flags {
		switch flag.Name {
		case "review", "superreview", "ui-review":
		default:
			continue
		}
		reviewer, err := c.GetUserInfo(ctx, flag.Setter.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve reviewer %s: %w", flag.Setter.Name, err)
		}
		reviews = append(reviews, Review{
			Type:     flag.Name,
			Result:   flag.Status,
			Reviewer: *reviewer,
		})
	}
	return reviews, nil
}

// approvalsFromFlags extracts the approval flags from an attachment.
// The approval type is the flag name with its "approval-" prefix
// removed, so "approval-mozilla-beta" approves branch mozilla-beta.
func (c *Client) approvalsFromFlags(ctx context.Context, att Attachment) ([]Approval, error) {
	var approvals []Approval
	for _, flag := range att.Flags {
		if !strings.HasPrefix(flag.Name, "approval-") {
			continue
		}
		approver, err := c.GetUserInfo(ctx, flag.Setter.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve approver %s: %w", flag.Setter.Name, err)
		}
		approvals = append(approvals, Approval{
			Type:     strings.TrimPrefix(flag.Name, "approval-"),
			Result:   flag.Status,
			Approver: *approver,
		})
	}
	return approvals, nil
}

// GetPatches resolves the given attachment ids on a bug into patches
// with review and approval metadata. Every id must resolve to a
// non-obsolete patch attachment; anything less fails the whole set.
func (c *Client) GetPatches(ctx context.Context, bugID int, patchIDs []int) ([]Patch, error) {
	bug, err := c.GetBug(ctx, bugID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[int]bool, len(patchIDs))
	for _, id := range patchIDs {
		wanted[id] = true
	}

	var patches []Patch
	for _, att := range bug.Attachments {
		if !wanted[att.ID] || !att.IsPatch || att.IsObsolete {
			continue
		}
		author, err := c.GetUserInfo(ctx, att.Attacher.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve author %s: %w", att.Attacher.Name, err)
		}
		reviews, err := c.reviewsFromFlags(ctx, att)
		if err != nil {
			return nil, err
		}
		approvals, err := c.approvalsFromFlags(ctx, att)
		if err != nil {
			return nil, err
		}
		patches = append(patches, Patch{
			ID:        att.ID,
			Author:    *author,
			Reviews:   reviews,
			Approvals: approvals,
		})
	}

	if len(patches) != len(patchIDs) {
		return nil, fmt.Errorf("bug %d: not all patch ids could be picked up: %w",
			bugID, errs.ErrInvalidInput)
	}
	return patches, nil
}

// DownloadPatch fetches the raw attachment body into dir/<id>.patch and
// returns the absolute path. A tracker "invalid attachment" body is a
// fatal errs.ErrInvalidInput.
func (c *Client) DownloadPatch(ctx context.Context, patchID int, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create patch dir: %w", err)
	}

	u := c.config.AttachmentURL + strconv.Itoa(patchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errs.Fatal(fmt.Errorf("build request: %w", err))
	}

	var body []byte
	err = errs.Retry(ctx, c.retry, func() error {
		resp, err := c.http.Do(req)
		if err != nil {
			return errs.Transient(fmt.Errorf("download attachment %d: %w", patchID, err))
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errs.Transient(fmt.Errorf("download attachment %d: status %d", patchID, resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return errs.Fatal(fmt.Errorf("download attachment %d: status %d", patchID, resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return errs.Transient(fmt.Errorf("read attachment %d: %w", patchID, err))
		}
		return nil
	}, nil)
	if err != nil {
		return "", err
	}

	if strings.Contains(string(body), fmt.Sprintf("The attachment id %d is invalid", patchID)) {
		return "", errs.Fatal(fmt.Errorf("attachment %d: %w", patchID, errs.ErrInvalidInput))
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.patch", patchID))
	if err := os.WriteFile(path, body, 0644); err != nil {
		return "", fmt.Errorf("write patch file: %w", err)
	}
	return filepath.Abs(path)
}

// PostComment adds a public comment to a bug.
func (c *Client) PostComment(ctx context.Context, bugID int, text string) error {
	body := map[string]any{"text": text, "is_private": false}
	if err := c.api(ctx, http.MethodPost, fmt.Sprintf("bug/%d/comment", bugID), body, nil); err != nil {
		return fmt.Errorf("post comment to bug %d: %w", bugID, err)
	}
	c.logger.Debug("Added comment", slog.Int("bug", bugID))
	return nil
}

// PostFailure posts a comment prefixed as an autoland failure.
func (c *Client) PostFailure(ctx context.Context, bugID int, text string) error {
	return c.PostComment(ctx, bugID, "Autoland Failure:\n\n"+text)
}

// PostWarning posts a comment prefixed as an autoland warning.
func (c *Client) PostWarning(ctx context.Context, bugID int, text string) error {
	return c.PostComment(ctx, bugID, "Autoland Warning:\n\n"+text)
}

// HasComment reports whether the bug already carries a comment with
// exactly this text.
func (c *Client) HasComment(ctx context.Context, bugID int, text string) (bool, error) {
	var page struct {
		Comments []struct {
			Text string `json:"text"`
		} `json:"comments"`
	}
	if err := c.api(ctx, http.MethodGet, fmt.Sprintf("bug/%d/comment", bugID), nil, &page); err != nil {
		return false, fmt.Errorf("get comments for bug %d: %w", bugID, err)
	}
	for _, comment := range page.Comments {
		if comment.Text == text {
			return true, nil
		}
	}
	return false, nil
}

// webui issues a retried RPC against the autoland extension endpoint.
func (c *Client) webui(ctx context.Context, method string, params map[string]any, out any) error {
	body := map[string]any{
		"method":  method,
		"version": 1.1,
		"params":  params,
	}
	params["Bugzilla_login"] = c.config.WebUILogin
	params["Bugzilla_password"] = c.config.WebUIPassword

	return errs.Retry(ctx, c.retry, func() error {
		return c.requestJSON(ctx, http.MethodPost, c.config.WebUIURL, body, out)
	}, nil)
}

// GetWaitingBugs polls the autoland queue on the web UI for flagged
// bugs waiting to be landed.
func (c *Client) GetWaitingBugs(ctx context.Context) ([]WaitingBug, error) {
	var raw struct {
		Error  string `json:"error"`
		Result []struct {
			BugID       int    `json:"bug_id"`
			Branches    string `json:"branches"`
			TrySyntax   string `json:"try_syntax"`
			Attachments []struct {
				ID         int    `json:"id"`
				StatusWhen string `json:"status_when"`
			} `json:"attachments"`
		} `json:"result"`
	}
	if err := c.webui(ctx, "TryAutoLand.getBugs", map[string]any{}, &raw); err != nil {
		return nil, fmt.Errorf("get waiting bugs: %w", err)
	}
	if raw.Error != "" {
		return nil, fmt.Errorf("get waiting bugs: %s", raw.Error)
	}

	var bugs []WaitingBug
	for _, entry := range raw.Result {
		if len(entry.Attachments) == 0 {
			continue
		}
		when, err := time.Parse(StatusWhenLayout, entry.Attachments[0].StatusWhen)
		if err != nil {
			c.logger.Warn("Skipping bug with unparseable status_when",
				slog.Int("bug", entry.BugID),
				slog.String("status_when", entry.Attachments[0].StatusWhen))
			continue
		}
		bug := WaitingBug{
			BugID:      entry.BugID,
			Branches:   entry.Branches,
			TrySyntax:  entry.TrySyntax,
			StatusWhen: when,
		}
		for _, att := range entry.Attachments {
			bug.AttachmentIDs = append(bug.AttachmentIDs, att.ID)
		}
		bugs = append(bugs, bug)
	}
	return bugs, nil
}

// updateAttachment posts one autoland extension update.
func (c *Client) updateAttachment(ctx context.Context, params map[string]any) error {
	return c.webui(ctx, "TryAutoLand.update", params, nil)
}

// UpdateAutolandStatus sets the autoland status on each attachment.
func (c *Client) UpdateAutolandStatus(ctx context.Context, status string, patchIDs []int) error {
	for _, id := range patchIDs {
		err := c.updateAttachment(ctx, map[string]any{
			"action":    "status",
			"status":    status,
			"attach_id": id,
		})
		if err != nil {
			return fmt.Errorf("update attachment %d status: %w", id, err)
		}
	}
	return nil
}

// RemoveFromQueue takes each attachment out of the autoland queue.
func (c *Client) RemoveFromQueue(ctx context.Context, patchIDs []int) error {
	for _, id := range patchIDs {
		err := c.updateAttachment(ctx, map[string]any{
			"action":    "remove",
			"attach_id": id,
		})
		if err != nil {
			return fmt.Errorf("remove attachment %d from queue: %w", id, err)
		}
	}
	return nil
}
