package bitbucket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/terraform-registry/scm-sync/internal/scm"
)

func newTestConnector(t *testing.T, handler http.Handler) *Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn, err := New(&scm.Settings{
		Kind:    scm.KindBitbucketDC,
		BaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return conn
}

func TestOAuthUnsupported(t *testing.T) {
	conn, _ := New(&scm.Settings{Kind: scm.KindBitbucketDC, BaseURL: "https://git.example.com"})

	if _, err := conn.AuthorizationURL("state", "https://cb"); !errors.Is(err, scm.ErrUnsupportedProvider) {
		t.Errorf("AuthorizationURL: %v", err)
	}
	if _, err := conn.ExchangeCode(context.Background(), "code", "https://cb"); !errors.Is(err, scm.ErrUnsupportedProvider) {
		t.Errorf("ExchangeCode: %v", err)
	}
	if _, err := conn.RefreshToken(context.Background(), "refresh"); !errors.Is(err, scm.ErrUnsupportedProvider) {
		t.Errorf("RefreshToken: %v", err)
	}
}

func TestParseEventTagPush(t *testing.T) {
	conn, _ := New(&scm.Settings{Kind: scm.KindBitbucketDC, BaseURL: "https://git.example.com"})

	headers := http.Header{}
	headers.Set("X-Event-Key", "repo:refs_changed")
	headers.Set("X-Request-Id", "req-7")
	body := []byte(`{
		"repository": {"slug": "terraform-vsphere-vm", "project": {"key": "INFRA"}},
		"changes": [{"ref": {"displayId": "v4.0.1", "type": "TAG"}, "toHash": "cafebabe", "type": "ADD"}]
	}`)

	event, err := conn.ParseEvent(headers, body)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if event.Type != scm.EventTagPush || event.RefName != "v4.0.1" || event.CommitSHA != "cafebabe" {
		t.Errorf("event = %+v", event)
	}
	if event.RepoFullName != "INFRA/terraform-vsphere-vm" {
		t.Errorf("repo = %s", event.RepoFullName)
	}
}

func TestParseEventBranchAndDelete(t *testing.T) {
	conn, _ := New(&scm.Settings{Kind: scm.KindBitbucketDC, BaseURL: "https://git.example.com"})

	headers := http.Header{}
	headers.Set("X-Event-Key", "repo:refs_changed")

	event, err := conn.ParseEvent(headers, []byte(`{
		"repository": {"slug": "repo", "project": {"key": "INFRA"}},
		"changes": [{"ref": {"displayId": "main", "type": "BRANCH"}, "toHash": "aaa", "type": "UPDATE"}]
	}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if event.Type != scm.EventBranchPush {
		t.Errorf("type = %s, want branch_push", event.Type)
	}

	event, err = conn.ParseEvent(headers, []byte(`{
		"repository": {"slug": "repo", "project": {"key": "INFRA"}},
		"changes": [{"ref": {"displayId": "v1.0.0", "type": "TAG"}, "toHash": "bbb", "type": "DELETE"}]
	}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if !event.Deleted || event.CommitSHA != "" {
		t.Errorf("event = %+v, want deletion", event)
	}
}

func TestParseEventPing(t *testing.T) {
	conn, _ := New(&scm.Settings{Kind: scm.KindBitbucketDC, BaseURL: "https://git.example.com"})

	headers := http.Header{}
	headers.Set("X-Event-Key", "diagnostics:ping")
	event, err := conn.ParseEvent(headers, []byte(`{"test":true}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if event.Type != scm.EventPing {
		t.Errorf("type = %s, want ping", event.Type)
	}
}

func TestResolveTag(t *testing.T) {
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/1.0/projects/INFRA/repos/repo/tags/v4.0.1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"displayId":"v4.0.1","latestCommit":"cafebabe"}`))
	}))

	tag, err := conn.ResolveTag(context.Background(), &scm.OAuthToken{AccessToken: "pat"}, "INFRA", "repo", "v4.0.1")
	if err != nil {
		t.Fatalf("ResolveTag: %v", err)
	}
	if tag.TargetCommit != "cafebabe" {
		t.Errorf("target = %s", tag.TargetCommit)
	}
}

func TestResolveTagNotFound(t *testing.T) {
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := conn.ResolveTag(context.Background(), &scm.OAuthToken{AccessToken: "pat"}, "INFRA", "repo", "v9.9.9")
	if !errors.Is(err, scm.ErrTagNotFound) {
		t.Fatalf("expected ErrTagNotFound, got %v", err)
	}
}

func TestListTagsPaging(t *testing.T) {
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"values":[{"displayId":"v1.1.0","latestCommit":"sha1"}],"isLastPage":false}`))
	}))

	tags, more, err := conn.ListTags(context.Background(), &scm.OAuthToken{AccessToken: "pat"}, "INFRA", "repo", scm.Pagination{})
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if len(tags) != 1 || tags[0].Name != "v1.1.0" {
		t.Errorf("tags = %+v", tags)
	}
	if !more {
		t.Error("isLastPage=false means more pages")
	}
}

func TestVerifierScheme(t *testing.T) {
	conn, _ := New(&scm.Settings{Kind: scm.KindBitbucketDC, BaseURL: "https://git.example.com"})
	v := conn.Verifier()
	if v.Header() != "X-Hub-Signature" {
		t.Errorf("header = %s", v.Header())
	}
	body := []byte("payload")
	if err := v.Verify("secret", body, "sha256="+scm.SignHex("secret", body)); err != nil {
		t.Fatalf("round-trip verify: %v", err)
	}
}
