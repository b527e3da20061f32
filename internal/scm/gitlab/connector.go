// Package gitlab implements the SCM connector for GitLab (gitlab.com and
// self-managed instances) over the REST API v4.
package gitlab

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

const defaultBaseURL = "https://gitlab.com"

// zeroSHA is the "after" commit GitLab sends for ref deletions.
const zeroSHA = "0000000000000000000000000000000000000000"

// Connector implements scm.Connector for GitLab.
type Connector struct {
	clientID     string
	clientSecret string
	baseURL      string
	apiURL       string
	httpClient   *http.Client
}

// New builds a GitLab connector. An empty base URL means gitlab.com.
func New(settings *scm.Settings) (*Connector, error) {
	baseURL := defaultBaseURL
	if settings.BaseURL != "" {
		baseURL = strings.TrimSuffix(settings.BaseURL, "/")
	}

	client := settings.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Connector{
		clientID:     settings.ClientID,
		clientSecret: settings.ClientSecret,
		baseURL:      baseURL,
		apiURL:       baseURL + "/api/v4",
		httpClient:   client,
	}, nil
}

func (c *Connector) Kind() scm.ProviderKind {
	return scm.KindGitLab
}

// AuthorizationURL builds the OAuth authorization redirect.
func (c *Connector) AuthorizationURL(state, redirectURI string) (string, error) {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("state", state)
	params.Set("scope", "api read_repository")
	return fmt.Sprintf("%s/oauth/authorize?%s", c.baseURL, params.Encode()), nil
}

// ExchangeCode trades an authorization code for an access token.
func (c *Connector) ExchangeCode(ctx context.Context, code, redirectURI string) (*scm.OAuthToken, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	return c.tokenRequest(ctx, data)
}

// RefreshToken renews an access token. GitLab OAuth tokens expire after
// two hours, so this path is hot.
func (c *Connector) RefreshToken(ctx context.Context, refreshToken string) (*scm.OAuthToken, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, data)
}

func (c *Connector) tokenRequest(ctx context.Context, data url.Values) (*scm.OAuthToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("gitlab: create token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, scm.WrapTransport("gitlab: token request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, scm.NewAPIError(resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
		CreatedAt    int64  `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("gitlab: decode token response: %w", err)
	}

	token := &scm.OAuthToken{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    result.TokenType,
		Scopes:       result.Scope,
	}
	if result.ExpiresIn > 0 {
		issued := time.Now()
		if result.CreatedAt > 0 {
			issued = time.Unix(result.CreatedAt, 0)
		}
		exp := issued.Add(time.Duration(result.ExpiresIn) * time.Second)
		token.ExpiresAt = &exp
	}
	return token, nil
}

// ListRepositories lists projects the credential is a member of.
func (c *Connector) ListRepositories(ctx context.Context, token *scm.OAuthToken, page scm.Pagination) ([]scm.Repository, bool, error) {
	page = page.Normalize()
	endpoint := fmt.Sprintf("%s/projects?membership=true&order_by=last_activity_at&page=%d&per_page=%d", c.apiURL, page.Page, page.PerPage)

	var glProjects []gitlabProject
	if err := c.getJSON(ctx, token, endpoint, &glProjects); err != nil {
		return nil, false, fmt.Errorf("gitlab: list projects: %w", err)
	}

	repos := make([]scm.Repository, len(glProjects))
	for i := range glProjects {
		repos[i] = convertProject(&glProjects[i])
	}
	return repos, len(glProjects) == page.PerPage, nil
}

// ListTags lists the project's tags, most recently updated first.
func (c *Connector) ListTags(ctx context.Context, token *scm.OAuthToken, owner, repo string, page scm.Pagination) ([]scm.Tag, bool, error) {
	page = page.Normalize()
	endpoint := fmt.Sprintf("%s/projects/%s/repository/tags?order_by=updated&page=%d&per_page=%d", c.apiURL, projectID(owner, repo), page.Page, page.PerPage)

	var glTags []gitlabTag
	if err := c.getJSON(ctx, token, endpoint, &glTags); err != nil {
		return nil, false, fmt.Errorf("gitlab: list tags: %w", err)
	}

	tags := make([]scm.Tag, len(glTags))
	for i := range glTags {
		tags[i] = convertTag(&glTags[i])
	}
	return tags, len(glTags) == page.PerPage, nil
}

// ListBranches lists the project's branches.
func (c *Connector) ListBranches(ctx context.Context, token *scm.OAuthToken, owner, repo string, page scm.Pagination) ([]scm.Branch, bool, error) {
	page = page.Normalize()
	endpoint := fmt.Sprintf("%s/projects/%s/repository/branches?page=%d&per_page=%d", c.apiURL, projectID(owner, repo), page.Page, page.PerPage)

	var glBranches []struct {
		Name    string `json:"name"`
		Default bool   `json:"default"`
		Commit  struct {
			ID string `json:"id"`
		} `json:"commit"`
	}
	if err := c.getJSON(ctx, token, endpoint, &glBranches); err != nil {
		return nil, false, fmt.Errorf("gitlab: list branches: %w", err)
	}

	branches := make([]scm.Branch, len(glBranches))
	for i, b := range glBranches {
		branches[i] = scm.Branch{Name: b.Name, TargetCommit: b.Commit.ID, Default: b.Default}
	}
	return branches, len(glBranches) == page.PerPage, nil
}

// ResolveTag fetches one tag. GitLab reports the dereferenced commit for
// annotated tags, so no second call is needed.
func (c *Connector) ResolveTag(ctx context.Context, token *scm.OAuthToken, owner, repo, tag string) (*scm.Tag, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/repository/tags/%s", c.apiURL, projectID(owner, repo), url.PathEscape(tag))

	var glTag gitlabTag
	if err := c.getJSON(ctx, token, endpoint, &glTag); err != nil {
		if scm.IsNotFoundStatus(err) {
			return nil, scm.ErrTagNotFound
		}
		return nil, fmt.Errorf("gitlab: resolve tag: %w", err)
	}
	resolved := convertTag(&glTag)
	return &resolved, nil
}

// FetchReleaseMetadata returns the GitLab release for a tag, if any.
func (c *Connector) FetchReleaseMetadata(ctx context.Context, token *scm.OAuthToken, owner, repo, tag string) (*scm.ReleaseMetadata, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/releases/%s", c.apiURL, projectID(owner, repo), url.PathEscape(tag))

	var release struct {
		TagName     string     `json:"tag_name"`
		Name        string     `json:"name"`
		Description string     `json:"description"`
		ReleasedAt  *time.Time `json:"released_at"`
		Links       struct {
			Self string `json:"self"`
		} `json:"_links"`
	}
	if err := c.getJSON(ctx, token, endpoint, &release); err != nil {
		if scm.IsNotFoundStatus(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gitlab: fetch release: %w", err)
	}

	return &scm.ReleaseMetadata{
		TagName:     release.TagName,
		Name:        release.Name,
		Body:        release.Description,
		URL:         release.Links.Self,
		PublishedAt: release.ReleasedAt,
	}, nil
}

// RegisterWebhook creates a push and tag-push webhook on the project.
func (c *Connector) RegisterWebhook(ctx context.Context, token *scm.OAuthToken, owner, repo string, setup scm.WebhookSetup) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"url":                     setup.CallbackURL,
		"token":                   setup.Secret,
		"push_events":             true,
		"tag_push_events":         true,
		"enable_ssl_verification": true,
	})
	if err != nil {
		return "", fmt.Errorf("gitlab: encode webhook config: %w", err)
	}

	endpoint := fmt.Sprintf("%s/projects/%s/hooks", c.apiURL, projectID(owner, repo))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("gitlab: create webhook request: %w", err)
	}
	c.setAuthHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", scm.WrapTransport("gitlab: register webhook", err)
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
		return "", fmt.Errorf("gitlab: decode webhook response: %w", err)
	}
	return strconv.FormatInt(hook.ID, 10), nil
}

// RemoveWebhook deletes a project hook by ID.
func (c *Connector) RemoveWebhook(ctx context.Context, token *scm.OAuthToken, owner, repo, webhookID string) error {
	endpoint := fmt.Sprintf("%s/projects/%s/hooks/%s", c.apiURL, projectID(owner, repo), webhookID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("gitlab: create webhook delete request: %w", err)
	}
	c.setAuthHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scm.WrapTransport("gitlab: remove webhook", err)
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

// ParseEvent converts a GitLab delivery into the neutral event form.
func (c *Connector) ParseEvent(headers http.Header, body []byte) (*scm.Event, error) {
	deliveryID := headers.Get("X-Gitlab-Event-UUID")

	eventName := headers.Get("X-Gitlab-Event")
	if eventName != "Tag Push Hook" && eventName != "Push Hook" {
		return &scm.Event{Type: scm.EventIgnored, DeliveryID: deliveryID}, nil
	}

	var push struct {
		Ref     string `json:"ref"`
		After   string `json:"after"`
		Project struct {
			PathWithNamespace string `json:"path_with_namespace"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, fmt.Errorf("gitlab: parse push payload: %w", err)
	}

	event := &scm.Event{
		Type:         scm.EventIgnored,
		DeliveryID:   deliveryID,
		CommitSHA:    push.After,
		Deleted:      push.After == zeroSHA,
		RepoFullName: push.Project.PathWithNamespace,
	}
	switch {
	case strings.HasPrefix(push.Ref, "refs/tags/"):
		event.Type = scm.EventTagPush
		event.RefName = strings.TrimPrefix(push.Ref, "refs/tags/")
	case strings.HasPrefix(push.Ref, "refs/heads/"):
		event.Type = scm.EventBranchPush
		event.RefName = strings.TrimPrefix(push.Ref, "refs/heads/")
	}
	if event.Deleted {
		event.CommitSHA = ""
	}
	return event, nil
}

// Verifier returns GitLab's shared-token scheme.
func (c *Connector) Verifier() scm.SignatureVerifier {
	return scm.SharedToken{HeaderName: "X-Gitlab-Token"}
}

// Helpers

// projectID is the URL-encoded "owner/repo" path GitLab accepts in place
// of a numeric project ID.
func projectID(owner, repo string) string {
	return url.PathEscape(owner + "/" + repo)
}

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

type gitlabProject struct {
	ID                int64  `json:"id"`
	Path              string `json:"path"`
	PathWithNamespace string `json:"path_with_namespace"`
	Description       string `json:"description"`
	DefaultBranch     string `json:"default_branch"`
	Visibility        string `json:"visibility"`
	HTTPURLToRepo     string `json:"http_url_to_repo"`
	WebURL            string `json:"web_url"`
	Namespace         struct {
		FullPath string `json:"full_path"`
	} `json:"namespace"`
}

func convertProject(gl *gitlabProject) scm.Repository {
	return scm.Repository{
		ID:            strconv.FormatInt(gl.ID, 10),
		Owner:         gl.Namespace.FullPath,
		Name:          gl.Path,
		FullName:      gl.PathWithNamespace,
		Description:   gl.Description,
		DefaultBranch: gl.DefaultBranch,
		Private:       gl.Visibility != "public",
		CloneURL:      gl.HTTPURLToRepo,
		WebURL:        gl.WebURL,
	}
}

type gitlabTag struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Commit  struct {
		ID        string     `json:"id"`
		CreatedAt *time.Time `json:"created_at"`
	} `json:"commit"`
}

func convertTag(gl *gitlabTag) scm.Tag {
	return scm.Tag{
		Name:         gl.Name,
		TargetCommit: gl.Commit.ID,
		Message:      gl.Message,
		CreatedAt:    gl.Commit.CreatedAt,
	}
}

func init() {
	scm.Register(scm.KindGitLab, func(settings *scm.Settings) (scm.Connector, error) {
		return New(settings)
	})
}
