package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/relengtools/autoland/config"
	"github.com/relengtools/autoland/errs"
)

// fakeDirectory stubs the LDAP search with fixed group rosters and
// tracker email mappings.
type fakeDirectory struct {
	groups  map[string][]string // cn -> memberUid
	bzEmail map[string]string   // bugzillaEmail -> mail
}

func (f *fakeDirectory) search(base, filter string, attrs []string) ([]*ldap.Entry, error) {
	if strings.HasPrefix(filter, "(cn=") {
		name := strings.TrimSuffix(strings.TrimPrefix(filter, "(cn="), ")")
		members, ok := f.groups[name]
		if !ok {
			return nil, nil
		}
		return []*ldap.Entry{
			ldap.NewEntry("cn="+name, map[string][]string{"memberUid": members}),
		}, nil
	}
	if strings.HasPrefix(filter, "(bugzillaEmail=") {
		email := strings.TrimSuffix(strings.TrimPrefix(filter, "(bugzillaEmail="), ")")
		mail, ok := f.bzEmail[email]
		if !ok {
			return nil, nil
		}
		return []*ldap.Entry{
			ldap.NewEntry("mail="+mail, map[string][]string{"mail": {mail}}),
		}, nil
	}
	return nil, fmt.Errorf("unexpected filter %q", filter)
}

func fakeClient(f *fakeDirectory) *Client {
	c := NewClient(config.DirectoryConfig{Timeout: time.Second}, nil)
	c.search = f.search
	return c
}

func TestGroupMembers(t *testing.T) {
	c := fakeClient(&fakeDirectory{
		groups: map[string][]string{
			"scm_level_3": {"alice@test", "bob@test", "alice@test"},
		},
	})

	members, err := c.GroupMembers("scm_level_3")
	if err != nil {
		t.Fatalf("GroupMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected duplicates collapsed, got %v", members)
	}
}

func TestInGroupPrimaryEmail(t *testing.T) {
	c := fakeClient(&fakeDirectory{
		groups: map[string][]string{"scm_level_1": {"alice@test"}},
	})

	ok, err := c.InGroup("alice@test", "scm_level_1")
	if err != nil {
		t.Fatalf("InGroup() error = %v", err)
	}
	if !ok {
		t.Error("expected primary email to be a member")
	}
}

func TestInGroupFallsBackToMappedEmail(t *testing.T) {
	// The tracker knows alice as alice@tracker.test; the directory
	// roster carries her corporate address.
	c := fakeClient(&fakeDirectory{
		groups:  map[string][]string{"scm_level_3": {"alice@corp.test"}},
		bzEmail: map[string]string{"alice@tracker.test": "alice@corp.test"},
	})

	ok, err := c.InGroup("alice@tracker.test", "scm_level_3")
	if err != nil {
		t.Fatalf("InGroup() error = %v", err)
	}
	if !ok {
		t.Error("expected mapped email membership to count")
	}
}

func TestInGroupNoMembership(t *testing.T) {
	c := fakeClient(&fakeDirectory{
		groups:  map[string][]string{"scm_level_3": {"bob@test"}},
		bzEmail: map[string]string{"alice@tracker.test": "alice@corp.test"},
	})

	ok, err := c.InGroup("alice@tracker.test", "scm_level_3")
	if err != nil {
		t.Fatalf("InGroup() error = %v", err)
	}
	if ok {
		t.Error("expected no membership")
	}
}

func TestBugzillaEmailMissing(t *testing.T) {
	c := fakeClient(&fakeDirectory{})

	mail, err := c.BugzillaEmail("ghost@test")
	if err != nil {
		t.Fatalf("BugzillaEmail() error = %v", err)
	}
	if mail != "" {
		t.Errorf("expected empty mapping, got %q", mail)
	}
}

func TestBranchPermissions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("repo") != "mozilla-central" {
			t.Errorf("unexpected repo %q", r.URL.Query().Get("repo"))
		}
		fmt.Fprint(w, "scm_level_3\n")
	}))
	defer srv.Close()

	c := NewClient(config.DirectoryConfig{
		BranchAPIURL: srv.URL,
		Timeout:      time.Second,
	}, nil)

	perms, err := c.BranchPermissions(context.Background(), "mozilla-central")
	if err != nil {
		t.Fatalf("BranchPermissions() error = %v", err)
	}
	if perms != "scm_level_3" {
		t.Errorf("expected scm_level_3, got %q", perms)
	}
}

func TestBranchPermissionsUnknownBranch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "repo nosuch is not an hg repository")
	}))
	defer srv.Close()

	c := NewClient(config.DirectoryConfig{
		BranchAPIURL: srv.URL,
		Timeout:      time.Second,
	}, nil)

	_, err := c.BranchPermissions(context.Background(), "nosuch")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBranchPermissionsCorruptRepo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "A problem occurred")
	}))
	defer srv.Close()

	c := NewClient(config.DirectoryConfig{
		BranchAPIURL: srv.URL,
		Timeout:      time.Second,
	}, nil)

	if _, err := c.BranchPermissions(context.Background(), "weird"); err == nil {
		t.Error("expected error for corrupted repo response")
	}
}
