package azuredevops

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/terraform-registry/scm-sync/internal/scm"
)

func newTestConnector(t *testing.T, handler http.Handler) *Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn, err := New(&scm.Settings{
		Kind:         scm.KindAzureDevOps,
		BaseURL:      srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TenantID:     "acme-org",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return conn
}

func TestParseEventTagPush(t *testing.T) {
	conn, _ := New(&scm.Settings{Kind: scm.KindAzureDevOps, ClientID: "id", ClientSecret: "secret", TenantID: "acme-org"})

	headers := http.Header{}
	headers.Set("X-VSS-ActivityId", "activity-1")
	body := []byte(`{
		"eventType": "git.push",
		"resource": {
			"refUpdates": [{"name": "refs/tags/v2.1.0", "newObjectId": "feedface"}],
			"repository": {"name": "terraform-azurerm-aks", "project": {"name": "Platform"}}
		}
	}`)

	event, err := conn.ParseEvent(headers, body)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if event.Type != scm.EventTagPush || event.RefName != "v2.1.0" || event.CommitSHA != "feedface" {
		t.Errorf("event = %+v", event)
	}
	if event.RepoFullName != "Platform/terraform-azurerm-aks" {
		t.Errorf("repo = %s", event.RepoFullName)
	}
}

func TestParseEventRefDeletion(t *testing.T) {
	conn, _ := New(&scm.Settings{Kind: scm.KindAzureDevOps, ClientID: "id", ClientSecret: "secret", TenantID: "acme-org"})

	body := []byte(`{
		"eventType": "git.push",
		"resource": {
			"refUpdates": [{"name": "refs/tags/v2.1.0", "newObjectId": "` + strings.Repeat("0", 40) + `"}],
			"repository": {"name": "repo", "project": {"name": "Platform"}}
		}
	}`)
	event, err := conn.ParseEvent(http.Header{}, body)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if !event.Deleted || event.CommitSHA != "" {
		t.Errorf("event = %+v, want deletion", event)
	}
}

func TestParseEventIgnoresOtherTypes(t *testing.T) {
	conn, _ := New(&scm.Settings{Kind: scm.KindAzureDevOps, ClientID: "id", ClientSecret: "secret", TenantID: "acme-org"})

	event, err := conn.ParseEvent(http.Header{}, []byte(`{"eventType":"build.complete","resource":{}}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if event.Type != scm.EventIgnored {
		t.Errorf("type = %s, want ignored", event.Type)
	}
}

func TestResolveTagExactMatch(t *testing.T) {
	// The refs filter is a prefix match; v1.0.0 must not match v1.0.0-rc1's
	// listing or vice versa.
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":[
			{"name":"refs/tags/v1.0.0-rc1","objectId":"rc-sha"},
			{"name":"refs/tags/v1.0.0","objectId":"tag-obj","peeledObjectId":"commit-sha"}
		]}`))
	}))

	tag, err := conn.ResolveTag(context.Background(), &scm.OAuthToken{AccessToken: "tok"}, "Platform", "repo", "v1.0.0")
	if err != nil {
		t.Fatalf("ResolveTag: %v", err)
	}
	if tag.TargetCommit != "commit-sha" {
		t.Errorf("annotated tag should use peeled object, got %s", tag.TargetCommit)
	}
}

func TestResolveTagNotFound(t *testing.T) {
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":[]}`))
	}))

	_, err := conn.ResolveTag(context.Background(), &scm.OAuthToken{AccessToken: "tok"}, "Platform", "repo", "v9.9.9")
	if !errors.Is(err, scm.ErrTagNotFound) {
		t.Fatalf("expected ErrTagNotFound, got %v", err)
	}
}

func TestListTagsTrimsRefPrefix(t *testing.T) {
	conn := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "filter=tags%2F") && !strings.Contains(r.URL.RawQuery, "filter=tags/") {
			t.Errorf("expected tags filter, query = %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":[{"name":"refs/tags/v1.0.0","objectId":"sha1"}]}`))
	}))

	tags, _, err := conn.ListTags(context.Background(), &scm.OAuthToken{AccessToken: "tok"}, "Platform", "repo", scm.Pagination{})
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if len(tags) != 1 || tags[0].Name != "v1.0.0" {
		t.Errorf("tags = %+v", tags)
	}
}

func TestFetchReleaseMetadataUnsupported(t *testing.T) {
	conn, _ := New(&scm.Settings{Kind: scm.KindAzureDevOps, ClientID: "id", ClientSecret: "secret", TenantID: "acme-org"})
	release, err := conn.FetchReleaseMetadata(context.Background(), nil, "Platform", "repo", "v1.0.0")
	if err != nil || release != nil {
		t.Fatalf("expected nil, nil; got %v, %v", release, err)
	}
}

func TestVerifierScheme(t *testing.T) {
	conn, _ := New(&scm.Settings{Kind: scm.KindAzureDevOps, ClientID: "id", ClientSecret: "secret", TenantID: "acme-org"})
	v := conn.Verifier()
	if v.Header() != "X-Vss-Signature" {
		t.Errorf("header = %s", v.Header())
	}
	body := []byte("payload")
	if err := v.Verify("secret", body, scm.SignBase64("secret", body)); err != nil {
		t.Fatalf("round-trip verify: %v", err)
	}
}
