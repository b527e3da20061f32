// Package github implements the SCM connector for GitHub (github.com and
// GitHub Enterprise Server) over the REST API v3.
package github

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

const (
	defaultBaseURL = "https://github.com"
	defaultAPIURL  = "https://api.github.com"
)

// Connector implements scm.Connector for GitHub.
type Connector struct {
	clientID     string
	clientSecret string
	baseURL      string
	apiURL       string
	httpClient   *http.Client
}

// New builds a GitHub connector. An empty base URL means github.com; a
// GitHub Enterprise Server base URL gets the /api/v3 suffix.
func New(settings *scm.Settings) (*Connector, error) {
	baseURL := defaultBaseURL
	apiURL := defaultAPIURL
	if settings.BaseURL != "" {
		baseURL = strings.TrimSuffix(settings.BaseURL, "/")
		apiURL = baseURL + "/api/v3"
	}

	client := settings.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Connector{
		clientID:     settings.ClientID,
		clientSecret: settings.ClientSecret,
		baseURL:      baseURL,
		apiURL:       apiURL,
		httpClient:   client,
	}, nil
}

func (c *Connector) Kind() scm.ProviderKind {
	return scm.KindGitHub
}

// AuthorizationURL builds the OAuth authorization redirect.
func (c *Connector) AuthorizationURL(state, redirectURI string) (string, error) {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)
	params.Set("scope", "repo,read:user")
	return fmt.Sprintf("%s/login/oauth/authorize?%s", c.baseURL, params.Encode()), nil
}

// ExchangeCode trades an authorization code for an access token.
func (c *Connector) ExchangeCode(ctx context.Context, code, redirectURI string) (*scm.OAuthToken, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	return c.tokenRequest(ctx, data)
}

// RefreshToken renews an expiring-token OAuth grant. Classic GitHub OAuth
// tokens never expire and have no refresh token; those callers never get
// here.
func (c *Connector) RefreshToken(ctx context.Context, refreshToken string) (*scm.OAuthToken, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, data)
}

func (c *Connector) tokenRequest(ctx context.Context, data url.Values) (*scm.OAuthToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login/oauth/access_token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("github: create token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, scm.WrapTransport("github: token request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, scm.NewAPIError(resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken      string `json:"access_token"`
		RefreshToken     string `json:"refresh_token"`
		TokenType        string `json:"token_type"`
		Scope            string `json:"scope"`
		ExpiresIn        int64  `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("github: decode token response: %w", err)
	}
	// GitHub reports OAuth errors with a 200 and an error field.
	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s: %s", scm.ErrUnauthorized, result.Error, result.ErrorDescription)
	}

	token := &scm.OAuthToken{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    result.TokenType,
		Scopes:       result.Scope,
	}
	if result.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
		token.ExpiresAt = &exp
	}
	return token, nil
}

// ListRepositories lists repositories the credential can access.
func (c *Connector) ListRepositories(ctx context.Context, token *scm.OAuthToken, page scm.Pagination) ([]scm.Repository, bool, error) {
	page = page.Normalize()
	endpoint := fmt.Sprintf("%s/user/repos?page=%d&per_page=%d&sort=updated&affiliation=owner,collaborator", c.apiURL, page.Page, page.PerPage)

	var ghRepos []githubRepo
	if err := c.getJSON(ctx, token, endpoint, &ghRepos); err != nil {
		return nil, false, fmt.Errorf("github: list repositories: %w", err)
	}

	repos := make([]scm.Repository, len(ghRepos))
	for i := range ghRepos {
		repos[i] = convertRepo(&ghRepos[i])
	}
	return repos, len(ghRepos) == page.PerPage, nil
}

// ListTags lists the repository's tags.
func (c *Connector) ListTags(ctx context.Context, token *scm.OAuthToken, owner, repo string, page scm.Pagination) ([]scm.Tag, bool, error) {
	page = page.Normalize()
	endpoint := fmt.Sprintf("%s/repos/%s/%s/tags?page=%d&per_page=%d", c.apiURL, owner, repo, page.Page, page.PerPage)

	var ghTags []struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := c.getJSON(ctx, token, endpoint, &ghTags); err != nil {
		return nil, false, fmt.Errorf("github: list tags: %w", err)
	}

	tags := make([]scm.Tag, len(ghTags))
	for i, t := range ghTags {
		tags[i] = scm.Tag{Name: t.Name, TargetCommit: t.Commit.SHA}
	}
	return tags, len(ghTags) == page.PerPage, nil
}

// ListBranches lists the repository's branches.
func (c *Connector) ListBranches(ctx context.Context, token *scm.OAuthToken, owner, repo string, page scm.Pagination) ([]scm.Branch, bool, error) {
	page = page.Normalize()
	endpoint := fmt.Sprintf("%s/repos/%s/%s/branches?page=%d&per_page=%d", c.apiURL, owner, repo, page.Page, page.PerPage)

	var ghBranches []struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := c.getJSON(ctx, token, endpoint, &ghBranches); err != nil {
		return nil, false, fmt.Errorf("github: list branches: %w", err)
	}

	branches := make([]scm.Branch, len(ghBranches))
	for i, b := range ghBranches {
		branches[i] = scm.Branch{Name: b.Name, TargetCommit: b.Commit.SHA}
	}
	return branches, len(ghBranches) == page.PerPage, nil
}

// ResolveTag fetches a tag ref and dereferences annotated tags to the
// commit they point at.
func (c *Connector) ResolveTag(ctx context.Context, token *scm.OAuthToken, owner, repo, tag string) (*scm.Tag, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/git/ref/tags/%s", c.apiURL, owner, repo, url.PathEscape(tag))

	var ref struct {
		Object struct {
			SHA  string `json:"sha"`
			Type string `json:"type"`
		} `json:"object"`
	}
	if err := c.getJSON(ctx, token, endpoint, &ref); err != nil {
		if scm.IsNotFoundStatus(err) {
			return nil, scm.ErrTagNotFound
		}
		return nil, fmt.Errorf("github: resolve tag: %w", err)
	}

	resolved := &scm.Tag{Name: tag, TargetCommit: ref.Object.SHA}
	if ref.Object.Type != "tag" {
		return resolved, nil
	}

	// Annotated tag: the ref points at a tag object, not the commit.
	var tagObj struct {
		Message string `json:"message"`
		Object  struct {
			SHA string `json:"sha"`
		} `json:"object"`
		Tagger struct {
			Date time.Time `json:"date"`
		} `json:"tagger"`
	}
	objEndpoint := fmt.Sprintf("%s/repos/%s/%s/git/tags/%s", c.apiURL, owner, repo, ref.Object.SHA)
	if err := c.getJSON(ctx, token, objEndpoint, &tagObj); err != nil {
		return nil, fmt.Errorf("github: dereference annotated tag: %w", err)
	}
	resolved.TargetCommit = tagObj.Object.SHA
	resolved.Message = tagObj.Message
	if !tagObj.Tagger.Date.IsZero() {
		d := tagObj.Tagger.Date
		resolved.CreatedAt = &d
	}
	return resolved, nil
}

// FetchReleaseMetadata returns the GitHub release for a tag, if any.
func (c *Connector) FetchReleaseMetadata(ctx context.Context, token *scm.OAuthToken, owner, repo, tag string) (*scm.ReleaseMetadata, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", c.apiURL, owner, repo, url.PathEscape(tag))

	var release struct {
		TagName     string     `json:"tag_name"`
		Name        string     `json:"name"`
		Body        string     `json:"body"`
		HTMLURL     string     `json:"html_url"`
		PublishedAt *time.Time `json:"published_at"`
	}
	if err := c.getJSON(ctx, token, endpoint, &release); err != nil {
		if scm.IsNotFoundStatus(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("github: fetch release: %w", err)
	}

	return &scm.ReleaseMetadata{
		TagName:     release.TagName,
		Name:        release.Name,
		Body:        release.Body,
		URL:         release.HTMLURL,
		PublishedAt: release.PublishedAt,
	}, nil
}

// RegisterWebhook creates a push webhook on the repository.
func (c *Connector) RegisterWebhook(ctx context.Context, token *scm.OAuthToken, owner, repo string, setup scm.WebhookSetup) (string, error) {
	events := setup.Events
	if len(events) == 0 {
		events = []string{"push"}
	}

	payload, err := json.Marshal(map[string]any{
		"name":   "web",
		"active": true,
		"events": events,
		"config": map[string]string{
			"url":          setup.CallbackURL,
			"content_type": "json",
			"secret":       setup.Secret,
		},
	})
	if err != nil {
		return "", fmt.Errorf("github: encode webhook config: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/hooks", c.apiURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("github: create webhook request: %w", err)
	}
	c.setAuthHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", scm.WrapTransport("github: register webhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", scm.NewAPIError(resp.StatusCode, string(body))
	}

	var hook struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hook); err != nil {
		return "", fmt.Errorf("github: decode webhook response: %w", err)
	}
	return strconv.FormatInt(hook.ID, 10), nil
}

// RemoveWebhook deletes a webhook by ID.
func (c *Connector) RemoveWebhook(ctx context.Context, token *scm.OAuthToken, owner, repo, webhookID string) error {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/hooks/%s", c.apiURL, owner, repo, webhookID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("github: create webhook delete request: %w", err)
	}
	c.setAuthHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scm.WrapTransport("github: remove webhook", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return scm.ErrWebhookNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return scm.NewAPIError(resp.StatusCode, string(body))
	}
}

// ParseEvent converts a GitHub delivery into the neutral event form.
func (c *Connector) ParseEvent(headers http.Header, body []byte) (*scm.Event, error) {
	deliveryID := headers.Get("X-GitHub-Delivery")

	switch headers.Get("X-GitHub-Event") {
	case "ping":
		return &scm.Event{Type: scm.EventPing, DeliveryID: deliveryID}, nil
	case "push":
	default:
		return &scm.Event{Type: scm.EventIgnored, DeliveryID: deliveryID}, nil
	}

	var push struct {
		Ref        string `json:"ref"`
		After      string `json:"after"`
		Deleted    bool   `json:"deleted"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, fmt.Errorf("github: parse push payload: %w", err)
	}

	event := &scm.Event{
		Type:         scm.EventIgnored,
		DeliveryID:   deliveryID,
		CommitSHA:    push.After,
		Deleted:      push.Deleted,
		RepoFullName: push.Repository.FullName,
	}
	switch {
	case strings.HasPrefix(push.Ref, "refs/tags/"):
		event.Type = scm.EventTagPush
		event.RefName = strings.TrimPrefix(push.Ref, "refs/tags/")
	case strings.HasPrefix(push.Ref, "refs/heads/"):
		event.Type = scm.EventBranchPush
		event.RefName = strings.TrimPrefix(push.Ref, "refs/heads/")
	}
	return event, nil
}

// Verifier returns GitHub's hex HMAC-SHA256 signature scheme.
func (c *Connector) Verifier() scm.SignatureVerifier {
	return scm.HMACSHA256Hex{HeaderName: "X-Hub-Signature-256", Prefix: "sha256="}
}

// Helpers

func (c *Connector) setAuthHeaders(req *http.Request, token *scm.OAuthToken) {
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
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

func convertRepo(gh *githubRepo) scm.Repository {
	return scm.Repository{
		ID:            strconv.FormatInt(gh.ID, 10),
		Owner:         gh.Owner.Login,
		Name:          gh.Name,
		FullName:      gh.FullName,
		Description:   gh.Description,
		DefaultBranch: gh.DefaultBranch,
		Private:       gh.Private,
		CloneURL:      gh.CloneURL,
		WebURL:        gh.HTMLURL,
	}
}

type githubRepo struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	Private       bool   `json:"private"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func init() {
	scm.Register(scm.KindGitHub, func(settings *scm.Settings) (scm.Connector, error) {
		return New(settings)
	})
}
