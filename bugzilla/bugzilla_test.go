package bugzilla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relengtools/autoland/config"
	"github.com/relengtools/autoland/errs"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.BugzillaConfig{
		APIURL:        srv.URL + "/rest/",
		AttachmentURL: srv.URL + "/attachment.cgi?id=",
		WebUIURL:      srv.URL + "/webui",
		Username:      "bot@test",
		Password:      "secret",
		WebUILogin:    "bot@test",
		WebUIPassword: "secret",
		Timeout:       5 * time.Second,
		MaxAttempts:   3,
		RetryWait:     time.Millisecond,
	}
	return NewClient(cfg, nil), srv
}

func TestBugsFromComments(t *testing.T) {
	tests := []struct {
		comment string
		want    []int
	}{
		{"try: -b do -p all --post-to-bugzilla bug 12345", []int{12345}},
		{"Bug 123", []int{123}},
		{"Bugs 123, 456", []int{123, 456}},
		{"b123", []int{123}},
		{"no bugs here", nil},
		{"bug ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.comment, func(t *testing.T) {
			got := BugsFromComments(tt.comment)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BugsFromComments(%q) = %v, want %v", tt.comment, got, tt.want)
			}
		})
	}
}

func TestGetBug(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/bug/12345" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("username") != "bot@test" {
			t.Error("expected username credential on request")
		}
		json.NewEncoder(w).Encode(Bug{ID: 12345, Summary: "Fix the frobnicator"})
	}))

	bug, err := client.GetBug(context.Background(), 12345)
	if err != nil {
		t.Fatalf("GetBug() error = %v", err)
	}
	if bug.Summary != "Fix the frobnicator" {
		t.Errorf("unexpected summary %q", bug.Summary)
	}
}

func TestGetUserInfoStripsNickname(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"real_name": "Jane Doe [:jdoe]",
			"email":     "jdoe@test",
		})
	}))

	user, err := client.GetUserInfo(context.Background(), "jdoe@test")
	if err != nil {
		t.Fatalf("GetUserInfo() error = %v", err)
	}
	if user.Name != "Jane Doe" {
		t.Errorf("expected nickname stripped, got %q", user.Name)
	}
	if user.Email != "jdoe@test" {
		t.Errorf("unexpected email %q", user.Email)
	}
}

func TestGetUserInfoUnknown(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))

	_, err := client.GetUserInfo(context.Background(), "ghost@test")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPatches(t *testing.T) {
	users := map[string]string{
		"author@test":   "Author One",
		"reviewer@test": "Reviewer Two",
		"approver@test": "Approver Three",
	}
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/rest/bug/7":
			json.NewEncoder(w).Encode(Bug{
				ID: 7,
				Attachments: []Attachment{
					{
						ID:       100,
						IsPatch:  true,
						Attacher: User{Name: "author@test"},
						Flags: []Flag{
							{Name: "review", Status: "+", Setter: User{Name: "reviewer@test"}},
							{Name: "approval-mozilla-beta", Status: "+", Setter: User{Name: "approver@test"}},
							{Name: "feedback", Status: "+", Setter: User{Name: "reviewer@test"}},
						},
					},
					{ID: 101, IsPatch: true, IsObsolete: true, Attacher: User{Name: "author@test"}},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/rest/user/"):
			email := strings.TrimPrefix(r.URL.Path, "/rest/user/")
			json.NewEncoder(w).Encode(map[string]string{
				"real_name": users[email],
				"email":     email,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	patches, err := client.GetPatches(context.Background(), 7, []int{100})
	if err != nil {
		t.Fatalf("GetPatches() error = %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("expected 1 patch, got %d", len(patches))
	}

	p := patches[0]
	if p.Author.Email != "author@test" {
		t.Errorf("unexpected author %q", p.Author.Email)
	}
	if len(p.Reviews) != 1 || p.Reviews[0].Type != "review" || p.Reviews[0].Reviewer.Email != "reviewer@test" {
		t.Errorf("unexpected reviews %+v", p.Reviews)
	}
	if len(p.Approvals) != 1 || p.Approvals[0].Type != "mozilla-beta" || p.Approvals[0].Approver.Email != "approver@test" {
		t.Errorf("unexpected approvals %+v", p.Approvals)
	}
}

func TestGetPatchesMissingID(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Bug{ID: 7})
	}))

	_, err := client.GetPatches(context.Background(), 7, []int{100})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDownloadPatch(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "diff --git a/x b/x\n")
	}))

	dir := t.TempDir()
	path, err := client.DownloadPatch(context.Background(), 42, dir)
	if err != nil {
		t.Fatalf("DownloadPatch() error = %v", err)
	}
	if !strings.HasSuffix(path, "42.patch") {
		t.Errorf("unexpected patch path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read patch: %v", err)
	}
	if !strings.HasPrefix(string(data), "diff --git") {
		t.Errorf("unexpected patch body %q", data)
	}
}

func TestDownloadPatchInvalidAttachment(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>The attachment id 42 is invalid</html>")
	}))

	_, err := client.DownloadPatch(context.Background(), 42, t.TempDir())
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if !errs.IsFatal(err) {
		t.Error("expected invalid attachment to be fatal")
	}
}

func TestHasComment(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"comments": []map[string]string{
				{"text": "first"},
				{"text": "already posted"},
			},
		})
	}))

	has, err := client.HasComment(context.Background(), 7, "already posted")
	if err != nil {
		t.Fatalf("HasComment() error = %v", err)
	}
	if !has {
		t.Error("expected comment to be found")
	}

	has, err = client.HasComment(context.Background(), 7, "never posted")
	if err != nil {
		t.Fatalf("HasComment() error = %v", err)
	}
	if has {
		t.Error("expected comment to be absent")
	}
}

func TestGetWaitingBugs(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode rpc body: %v", err)
		}
		if body.Method != "TryAutoLand.getBugs" {
			t.Errorf("unexpected method %s", body.Method)
		}
		if body.Params["Bugzilla_login"] != "bot@test" {
			t.Error("expected webui credentials in params")
		}
		fmt.Fprint(w, `{"result": [
			{"bug_id": 872605, "branches": "try", "try_syntax": "-b do -p all",
			 "attachments": [
				{"id": 766478, "status_when": "2013-06-10 18:22:52"},
				{"id": 766479, "status_when": "2013-06-10 18:22:52"}
			 ]}
		]}`)
	}))

	bugs, err := client.GetWaitingBugs(context.Background())
	if err != nil {
		t.Fatalf("GetWaitingBugs() error = %v", err)
	}
	if len(bugs) != 1 {
		t.Fatalf("expected 1 bug, got %d", len(bugs))
	}
	bug := bugs[0]
	if bug.BugID != 872605 || bug.Branches != "try" {
		t.Errorf("unexpected bug %+v", bug)
	}
	if !reflect.DeepEqual(bug.AttachmentIDs, []int{766478, 766479}) {
		t.Errorf("unexpected attachment ids %v", bug.AttachmentIDs)
	}
	want := time.Date(2013, 6, 10, 18, 22, 52, 0, time.UTC)
	if !bug.StatusWhen.Equal(want) {
		t.Errorf("unexpected status_when %v", bug.StatusWhen)
	}
}

func TestUpdateAutolandStatus(t *testing.T) {
	var calls atomic.Int64
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode rpc body: %v", err)
		}
		if body.Method != "TryAutoLand.update" {
			t.Errorf("unexpected method %s", body.Method)
		}
		if body.Params["action"] != "status" || body.Params["status"] != "running" {
			t.Errorf("unexpected params %v", body.Params)
		}
		fmt.Fprint(w, `{}`)
	}))

	err := client.UpdateAutolandStatus(context.Background(), "running", []int{1, 2, 3})
	if err != nil {
		t.Fatalf("UpdateAutolandStatus() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 update calls, got %d", calls.Load())
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Bug{ID: 1})
	}))

	if _, err := client.GetBug(context.Background(), 1); err != nil {
		t.Fatalf("GetBug() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int64
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))

	_, err := client.GetBug(context.Background(), 1)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", calls.Load())
	}
}
