// Package bitbucket implements the SCM connector for Bitbucket Data
// Center over the REST API 1.0. Authentication is PAT-based: there is no
// OAuth application flow, the stored token is a personal access token
// sent as a bearer credential.
package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/terraform-registry/scm-sync/internal/scm"
)

// Connector implements scm.Connector for Bitbucket Data Center.
type Connector struct {
	baseURL    string
	apiURL     string
	httpClient *http.Client
}

// New builds a Bitbucket Data Center connector. A base URL is mandatory;
// there is no public cloud default for Data Center.
func New(settings *scm.Settings) (*Connector, error) {
	baseURL := strings.TrimSuffix(settings.BaseURL, "/")

	client := settings.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Connector{
		baseURL:    baseURL,
		apiURL:     baseURL + "/rest/api/1.0",
		httpClient: client,
	}, nil
}

func (c *Connector) Kind() scm.ProviderKind {
	return scm.KindBitbucketDC
}

// AuthorizationURL is unsupported: Bitbucket Data Center credentials are
// personal access tokens saved directly.
func (c *Connector) AuthorizationURL(state, redirectURI string) (string, error) {
	return "", scm.ErrUnsupportedProvider
}

// ExchangeCode is unsupported for PAT-based providers.
func (c *Connector) ExchangeCode(ctx context.Context, code, redirectURI string) (*scm.OAuthToken, error) {
	return nil, scm.ErrUnsupportedProvider
}

// RefreshToken is unsupported: PATs are rotated by the user.
func (c *Connector) RefreshToken(ctx context.Context, refreshToken string) (*scm.OAuthToken, error) {
	return nil, scm.ErrUnsupportedProvider
}

// ListRepositories lists repositories visible to the token.
func (c *Connector) ListRepositories(ctx context.Context, token *scm.OAuthToken, page scm.Pagination) ([]scm.Repository, bool, error) {
	page = page.Normalize()
	start := (page.Page - 1) * page.PerPage
	endpoint := fmt.Sprintf("%s/repos?start=%d&limit=%d", c.apiURL, start, page.PerPage)

	var result struct {
		Values     []bbRepo `json:"values"`
		IsLastPage bool     `json:"isLastPage"`
	}
	if err := c.getJSON(ctx, token, endpoint, &result); err != nil {
		return nil, false, fmt.Errorf("bitbucket: list repositories: %w", err)
	}

	repos := make([]scm.Repository, len(result.Values))
	for i := range result.Values {
		repos[i] = convertRepo(&result.Values[i])
	}
	return repos, !result.IsLastPage, nil
}

// ListTags lists the repository's tags, most recently modified first.
func (c *Connector) ListTags(ctx context.Context, token *scm.OAuthToken, owner, repo string, page scm.Pagination) ([]scm.Tag, bool, error) {
	page = page.Normalize()
	start := (page.Page - 1) * page.PerPage
	endpoint := fmt.Sprintf("%s/projects/%s/repos/%s/tags?orderBy=MODIFICATION&start=%d&limit=%d",
		c.apiURL, url.PathEscape(owner), url.PathEscape(repo), start, page.PerPage)

	var result struct {
		Values []struct {
			DisplayID    string `json:"displayId"`
			LatestCommit string `json:"latestCommit"`
		} `json:"values"`
		IsLastPage bool `json:"isLastPage"`
	}
	if err := c.getJSON(ctx, token, endpoint, &result); err != nil {
		return nil, false, fmt.Errorf("bitbucket: list tags: %w", err)
	}

	tags := make([]scm.Tag, len(result.Values))
	for i, t := range result.Values {
		tags[i] = scm.Tag{Name: t.DisplayID, TargetCommit: t.LatestCommit}
	}
	return tags, !result.IsLastPage, nil
}

// ListBranches lists the repository's branches.
func (c *Connector) ListBranches(ctx context.Context, token *scm.OAuthToken, owner, repo string, page scm.Pagination) ([]scm.Branch, bool, error) {
	page = page.Normalize()
	start := (page.Page - 1) * page.PerPage
	endpoint := fmt.Sprintf("%s/projects/%s/repos/%s/branches?start=%d&limit=%d",
		c.apiURL, url.PathEscape(owner), url.PathEscape(repo), start, page.PerPage)

	var result struct {
		Values []struct {
			DisplayID    string `json:"displayId"`
			LatestCommit string `json:"latestCommit"`
			IsDefault    bool   `json:"isDefault"`
		} `json:"values"`
		IsLastPage bool `json:"isLastPage"`
	}
	if err := c.getJSON(ctx, token, endpoint, &result); err != nil {
		return nil, false, fmt.Errorf("bitbucket: list branches: %w", err)
	}

	branches := make([]scm.Branch, len(result.Values))
	for i, b := range result.Values {
		branches[i] = scm.Branch{Name: b.DisplayID, TargetCommit: b.LatestCommit, Default: b.IsDefault}
	}
	return branches, !result.IsLastPage, nil
}

// ResolveTag fetches one tag. latestCommit is the dereferenced commit for
// annotated tags.
func (c *Connector) ResolveTag(ctx context.Context, token *scm.OAuthToken, owner, repo, tag string) (*scm.Tag, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/repos/%s/tags/%s",
		c.apiURL, url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(tag))

	var bbTag struct {
		DisplayID    string `json:"displayId"`
		LatestCommit string `json:"latestCommit"`
	}
	if err := c.getJSON(ctx, token, endpoint, &bbTag); err != nil {
		if scm.IsNotFoundStatus(err) {
			return nil, scm.ErrTagNotFound
		}
		return nil, fmt.Errorf("bitbucket: resolve tag: %w", err)
	}
	return &scm.Tag{Name: bbTag.DisplayID, TargetCommit: bbTag.LatestCommit}, nil
}

// FetchReleaseMetadata returns nil: Bitbucket Data Center has no release
// object attached to tags.
func (c *Connector) FetchReleaseMetadata(ctx context.Context, token *scm.OAuthToken, owner, repo, tag string) (*scm.ReleaseMetadata, error) {
	return nil, nil
}

// RegisterWebhook creates a refs-changed webhook on the repository.
func (c *Connector) RegisterWebhook(ctx context.Context, token *scm.OAuthToken, owner, repo string, setup scm.WebhookSetup) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"name":   "terraform-registry sync",
		"url":    setup.CallbackURL,
		"active": true,
		"events": []string{"repo:refs_changed"},
		"configuration": map[string]string{
			"secret": setup.Secret,
		},
	})
	if err != nil {
		return "", fmt.Errorf("bitbucket: encode webhook config: %w", err)
	}

	endpoint := fmt.Sprintf("%s/projects/%s/repos/%s/webhooks", c.apiURL, url.PathEscape(owner), url.PathEscape(repo))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("bitbucket: create webhook request: %w", err)
	}
	c.setAuthHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", scm.WrapTransport("bitbucket: register webhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", scm.NewAPIError(resp.StatusCode, string(body))
	}

	var hook struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hook); err != nil {
		return "", fmt.Errorf("bitbucket: decode webhook response: %w", err)
	}
	return strconv.FormatInt(hook.ID, 10), nil
}

// RemoveWebhook deletes a repository webhook by ID.
func (c *Connector) RemoveWebhook(ctx context.Context, token *scm.OAuthToken, owner, repo, webhookID string) error {
	endpoint := fmt.Sprintf("%s/projects/%s/repos/%s/webhooks/%s", c.apiURL, url.PathEscape(owner), url.PathEscape(repo), webhookID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("bitbucket: create webhook delete request: %w", err)
	}
	c.setAuthHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scm.WrapTransport("bitbucket: remove webhook", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return scm.ErrWebhookNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return scm.NewAPIError(resp.StatusCode, string(body))
	}
}

// ParseEvent converts a repo:refs_changed delivery into the neutral event
// form. Only the first change in the delivery is acted on; Bitbucket
// batches pushes rarely and the manual sync path covers anything missed.
func (c *Connector) ParseEvent(headers http.Header, body []byte) (*scm.Event, error) {
	deliveryID := headers.Get("X-Request-Id")

	switch headers.Get("X-Event-Key") {
	case "diagnostics:ping":
		return &scm.Event{Type: scm.EventPing, DeliveryID: deliveryID}, nil
	case "repo:refs_changed":
	default:
		return &scm.Event{Type: scm.EventIgnored, DeliveryID: deliveryID}, nil
	}

	var delivery struct {
		Repository struct {
			Slug    string `json:"slug"`
			Project struct {
				Key string `json:"key"`
			} `json:"project"`
		} `json:"repository"`
		Changes []struct {
			Ref struct {
				DisplayID string `json:"displayId"`
				Type      string `json:"type"`
			} `json:"ref"`
			ToHash string `json:"toHash"`
			Type   string `json:"type"`
		} `json:"changes"`
	}
	if err := json.Unmarshal(body, &delivery); err != nil {
		return nil, fmt.Errorf("bitbucket: parse delivery: %w", err)
	}

	if len(delivery.Changes) == 0 {
		return &scm.Event{Type: scm.EventIgnored, DeliveryID: deliveryID}, nil
	}

	change := delivery.Changes[0]
	event := &scm.Event{
		Type:         scm.EventIgnored,
		DeliveryID:   deliveryID,
		CommitSHA:    change.ToHash,
		Deleted:      change.Type == "DELETE",
		RefName:      change.Ref.DisplayID,
		RepoFullName: delivery.Repository.Project.Key + "/" + delivery.Repository.Slug,
	}
	switch change.Ref.Type {
	case "TAG":
		event.Type = scm.EventTagPush
	case "BRANCH":
		event.Type = scm.EventBranchPush
	}
	if event.Deleted {
		event.CommitSHA = ""
	}
	return event, nil
}

// Verifier returns Bitbucket's hex HMAC-SHA256 scheme.
func (c *Connector) Verifier() scm.SignatureVerifier {
	return scm.HMACSHA256Hex{HeaderName: "X-Hub-Signature", Prefix: "sha256="}
}

// Helpers

func (c *Connector) setAuthHeaders(req *http.Request, token *scm.OAuthToken) {
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")
}

func (c *Connector) getJSON(ctx context.Context, token *scm.OAuthToken, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setAuthHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scm.WrapTransport("request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return scm.NewAPIError(resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type bbRepo struct {
	ID      int64  `json:"id"`
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Public  bool   `json:"public"`
	Project struct {
		Key string `json:"key"`
	} `json:"project"`
	Links struct {
		Clone []struct {
			Href string `json:"href"`
			Name string `json:"name"`
		} `json:"clone"`
		Self []struct {
			Href string `json:"href"`
		} `json:"self"`
	} `json:"links"`
}

func convertRepo(r *bbRepo) scm.Repository {
	repo := scm.Repository{
		ID:       strconv.FormatInt(r.ID, 10),
		Owner:    r.Project.Key,
		Name:     r.Slug,
		FullName: r.Project.Key + "/" + r.Slug,
		Private:  !r.Public,
	}
	for _, clone := range r.Links.Clone {
		if clone.Name == "http" {
			repo.CloneURL = clone.Href
		}
	}
	if len(r.Links.Self) > 0 {
		repo.WebURL = r.Links.Self[0].Href
	}
	return repo
}

func init() {
	scm.Register(scm.KindBitbucketDC, func(settings *scm.Settings) (scm.Connector, error) {
		return New(settings)
	})
}
