// Package directory resolves user permissions against the LDAP
// directory and the branch-permissions HTTP endpoint.
package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/relengtools/autoland/config"
	"github.com/relengtools/autoland/errs"
)

// Client answers group membership and email mapping questions. A fresh
// directory connection is dialed per query; the server drops idle
// connections aggressively, so holding one open buys nothing.
type Client struct {
	config config.DirectoryConfig
	http   *http.Client
	logger *slog.Logger

	// search is swappable for tests.
	search func(base, filter string, attrs []string) ([]*ldap.Entry, error)
}

// NewClient creates a directory client.
func NewClient(cfg config.DirectoryConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	c.search = c.ldapSearch
	return c
}

func (c *Client) connect() (*ldap.Conn, error) {
	conn, err := ldap.DialURL(c.config.URL)
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("dial directory: %w", err))
	}
	conn.SetTimeout(c.config.Timeout)
	if c.config.BindDN != "" {
		if err := conn.Bind(c.config.BindDN, c.config.Password); err != nil {
			conn.Close()
			return nil, errs.Transient(fmt.Errorf("bind directory: %w", err))
		}
	}
	return conn, nil
}

func (c *Client) ldapSearch(base, filter string, attrs []string) ([]*ldap.Entry, error) {
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		int(c.config.Timeout.Seconds()),
		false,
		filter,
		attrs,
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("search %s (%s): %w", base, filter, err))
	}
	return res.Entries, nil
}

// GroupMembers returns the union of members of all groups matching the
// given name. The name may carry LDAP wildcards, so "scm_level_*"
// covers every numbered level.
func (c *Client) GroupMembers(group string) ([]string, error) {
	// The group name is allowed to carry wildcards, so it is not
	// filter-escaped here. Callers pass trusted values from the
	// branch-permissions endpoint.
	entries, err := c.search(c.config.GroupBase, fmt.Sprintf("(cn=%s)", group), []string{"memberUid"})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var members []string
	for _, entry := range entries {
		for _, uid := range entry.GetAttributeValues("memberUid") {
			if !seen[uid] {
				seen[uid] = true
				members = append(members, uid)
			}
		}
	}
	return members, nil
}

// IsMemberOfGroup reports whether the email appears directly in the
// group's member list.
func (c *Client) IsMemberOfGroup(email, group string) (bool, error) {
	members, err := c.GroupMembers(group)
	if err != nil {
		return false, err
	}
	for _, member := range members {
		if member == email {
			return true, nil
		}
	}
	return false, nil
}

// BugzillaEmail maps a tracker email to the directory's mail attribute.
// Returns "" when no directory entry carries the mapping.
func (c *Client) BugzillaEmail(email string) (string, error) {
	filter := fmt.Sprintf("(bugzillaEmail=%s)", ldap.EscapeFilter(email))
	entries, err := c.search(c.config.UserBase, filter, []string{"mail"})
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if mail := entry.GetAttributeValue("mail"); mail != "" {
			return mail, nil
		}
	}
	return "", nil
}

// InGroup reports whether either the email itself or its mapped
// directory address is a member of the group.
func (c *Client) InGroup(email, group string) (bool, error) {
	ok, err := c.IsMemberOfGroup(email, group)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	mapped, err := c.BugzillaEmail(email)
	if err != nil {
		return false, err
	}
	if mapped == "" || mapped == email {
		return false, nil
	}
	return c.IsMemberOfGroup(mapped, group)
}

// BranchPermissions queries the branch-permissions endpoint for the
// group required to push to a branch, e.g. "scm_level_3". An unknown
// branch is errs.ErrNotFound.
func (c *Client) BranchPermissions(ctx context.Context, branch string) (string, error) {
	u := fmt.Sprintf("%s?repo=%s", c.config.BranchAPIURL, url.QueryEscape(branch))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Transient(fmt.Errorf("branch permissions %s: %w", branch, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.Transient(fmt.Errorf("branch permissions %s: %w", branch, err))
	}
	perms := strings.TrimSpace(string(body))

	switch {
	case strings.Contains(perms, "is not an hg repository"):
		return "", fmt.Errorf("branch %s: %w", branch, errs.ErrNotFound)
	case strings.Contains(perms, "Need a repository"),
		strings.Contains(perms, "A problem occurred"):
		return "", fmt.Errorf("branch permissions %s: unexpected response %q", branch, perms)
	}

	c.logger.Debug("Required permissions",
		slog.String("branch", branch),
		slog.String("group", perms))
	return perms, nil
}
