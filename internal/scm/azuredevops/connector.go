// Package azuredevops implements the SCM connector for Azure DevOps
// Services over the REST API (api-version 7.1). The provider's tenant ID
// carries the Azure DevOps organization; repository owner maps to the
// project name.
package azuredevops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/terraform-registry/scm-sync/internal/scm"
)

const (
	defaultBaseURL = "https://dev.azure.com"
	vsspsURL       = "https://app.vssps.visualstudio.com"
	apiVersion     = "7.1"
)

// Connector implements scm.Connector for Azure DevOps.
type Connector struct {
	clientID     string
	clientSecret string
	organization string
	baseURL      string
	httpClient   *http.Client
}

// New builds an Azure DevOps connector. The settings tenant ID is the
// organization the connector is scoped to.
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
		organization: settings.TenantID,
		baseURL:      baseURL,
		httpClient:   client,
	}, nil
}

func (c *Connector) Kind() scm.ProviderKind {
	return scm.KindAzureDevOps
}

// AuthorizationURL builds the Azure DevOps OAuth authorization redirect.
func (c *Connector) AuthorizationURL(state, redirectURI string) (string, error) {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("response_type", "Assertion")
	params.Set("state", state)
	params.Set("scope", "vso.code_full")
	params.Set("redirect_uri", redirectURI)
	return fmt.Sprintf("%s/oauth2/authorize?%s", vsspsURL, params.Encode()), nil
}

// ExchangeCode trades an authorization code for an access token using the
// JWT-bearer assertion grant Azure DevOps requires.
func (c *Connector) ExchangeCode(ctx context.Context, code, redirectURI string) (*scm.OAuthToken, error) {
	data := url.Values{}
	data.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	data.Set("client_assertion", c.clientSecret)
	data.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	data.Set("assertion", code)
	data.Set("redirect_uri", redirectURI)
	return c.tokenRequest(ctx, data)
}

// RefreshToken renews an access token. Azure DevOps access tokens are
// short-lived, so refresh is routine.
func (c *Connector) RefreshToken(ctx context.Context, refreshToken string) (*scm.OAuthToken, error) {
	data := url.Values{}
	data.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	data.Set("client_assertion", c.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("assertion", refreshToken)
	return c.tokenRequest(ctx, data)
}

func (c *Connector) tokenRequest(ctx context.Context, data url.Values) (*scm.OAuthToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, vsspsURL+"/oauth2/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("azuredevops: create token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, scm.WrapTransport("azuredevops: token request", err)
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
		ExpiresIn    string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("azuredevops: decode token response: %w", err)
	}

	token := &scm.OAuthToken{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    result.TokenType,
		Scopes:       result.Scope,
	}
	// Azure DevOps reports expires_in as a string of seconds.
	var seconds int64
	if _, err := fmt.Sscanf(result.ExpiresIn, "%d", &seconds); err == nil && seconds > 0 {
		exp := time.Now().Add(time.Duration(seconds) * time.Second)
		token.ExpiresAt = &exp
	}
	return token, nil
}

// ListRepositories lists repositories across the organization's projects.
// Azure DevOps returns the full set in one response, so the first page
// carries everything.
func (c *Connector) ListRepositories(ctx context.Context, token *scm.OAuthToken, page scm.Pagination) ([]scm.Repository, bool, error) {
	page = page.Normalize()
	if page.Page > 1 {
		return nil, false, nil
	}

	endpoint := fmt.Sprintf("%s/%s/_apis/git/repositories?api-version=%s", c.baseURL, c.organization, apiVersion)

	var result struct {
		Value []adoRepo `json:"value"`
	}
	if err := c.getJSON(ctx, token, endpoint, &result); err != nil {
		return nil, false, fmt.Errorf("azuredevops: list repositories: %w", err)
	}

	repos := make([]scm.Repository, len(result.Value))
	for i := range result.Value {
		repos[i] = convertRepo(&result.Value[i])
	}
	return repos, false, nil
}

// ListTags lists the repository's tag refs.
func (c *Connector) ListTags(ctx context.Context, token *scm.OAuthToken, owner, repo string, page scm.Pagination) ([]scm.Tag, bool, error) {
	page = page.Normalize()
	skip := (page.Page - 1) * page.PerPage
	endpoint := fmt.Sprintf("%s/%s/%s/_apis/git/repositories/%s/refs?filter=tags/&peelTags=true&$top=%d&$skip=%d&api-version=%s",
		c.baseURL, c.organization, url.PathEscape(owner), url.PathEscape(repo), page.PerPage, skip, apiVersion)

	var result struct {
		Value []adoRef `json:"value"`
	}
	if err := c.getJSON(ctx, token, endpoint, &result); err != nil {
		return nil, false, fmt.Errorf("azuredevops: list tags: %w", err)
	}

	tags := make([]scm.Tag, len(result.Value))
	for i, ref := range result.Value {
		tags[i] = scm.Tag{
			Name:         strings.TrimPrefix(ref.Name, "refs/tags/"),
			TargetCommit: ref.commitID(),
		}
	}
	return tags, len(result.Value) == page.PerPage, nil
}

// ListBranches lists the repository's branch refs.
func (c *Connector) ListBranches(ctx context.Context, token *scm.OAuthToken, owner, repo string, page scm.Pagination) ([]scm.Branch, bool, error) {
	page = page.Normalize()
	skip := (page.Page - 1) * page.PerPage
	endpoint := fmt.Sprintf("%s/%s/%s/_apis/git/repositories/%s/refs?filter=heads/&$top=%d&$skip=%d&api-version=%s",
		c.baseURL, c.organization, url.PathEscape(owner), url.PathEscape(repo), page.PerPage, skip, apiVersion)

	var result struct {
		Value []adoRef `json:"value"`
	}
	if err := c.getJSON(ctx, token, endpoint, &result); err != nil {
		return nil, false, fmt.Errorf("azuredevops: list branches: %w", err)
	}

	branches := make([]scm.Branch, len(result.Value))
	for i, ref := range result.Value {
		branches[i] = scm.Branch{
			Name:         strings.TrimPrefix(ref.Name, "refs/heads/"),
			TargetCommit: ref.ObjectID,
		}
	}
	return branches, len(result.Value) == page.PerPage, nil
}

// ResolveTag fetches one tag ref with annotated tags peeled to the commit.
func (c *Connector) ResolveTag(ctx context.Context, token *scm.OAuthToken, owner, repo, tag string) (*scm.Tag, error) {
	endpoint := fmt.Sprintf("%s/%s/%s/_apis/git/repositories/%s/refs?filter=tags/%s&peelTags=true&api-version=%s",
		c.baseURL, c.organization, url.PathEscape(owner), url.PathEscape(repo), url.QueryEscape(tag), apiVersion)

	var result struct {
		Value []adoRef `json:"value"`
	}
	if err := c.getJSON(ctx, token, endpoint, &result); err != nil {
		return nil, fmt.Errorf("azuredevops: resolve tag: %w", err)
	}

	// The filter is a prefix match; find the exact ref.
	want := "refs/tags/" + tag
	for _, ref := range result.Value {
		if ref.Name == want {
			return &scm.Tag{Name: tag, TargetCommit: ref.commitID()}, nil
		}
	}
	return nil, scm.ErrTagNotFound
}

// FetchReleaseMetadata returns nil: Azure DevOps has no per-tag release
// object in its git API.
func (c *Connector) FetchReleaseMetadata(ctx context.Context, token *scm.OAuthToken, owner, repo, tag string) (*scm.ReleaseMetadata, error) {
	return nil, nil
}

// RegisterWebhook creates a git.push service hook subscription.
func (c *Connector) RegisterWebhook(ctx context.Context, token *scm.OAuthToken, owner, repo string, setup scm.WebhookSetup) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"publisherId":      "tfs",
		"eventType":        "git.push",
		"resourceVersion":  "1.0",
		"consumerId":       "webHooks",
		"consumerActionId": "httpRequest",
		"publisherInputs": map[string]string{
			"projectId":  owner,
			"repository": repo,
		},
		"consumerInputs": map[string]string{
			"url":               setup.CallbackURL,
			"basicAuthPassword": setup.Secret,
		},
	})
	if err != nil {
		return "", fmt.Errorf("azuredevops: encode subscription: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/_apis/hooks/subscriptions?api-version=%s", c.baseURL, c.organization, apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("azuredevops: create subscription request: %w", err)
	}
	c.setAuthHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", scm.WrapTransport("azuredevops: register webhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", scm.NewAPIError(resp.StatusCode, string(body))
	}

	var sub struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("azuredevops: decode subscription response: %w", err)
	}
	return sub.ID, nil
}

// RemoveWebhook deletes a service hook subscription.
func (c *Connector) RemoveWebhook(ctx context.Context, token *scm.OAuthToken, owner, repo, webhookID string) error {
	endpoint := fmt.Sprintf("%s/%s/_apis/hooks/subscriptions/%s?api-version=%s", c.baseURL, c.organization, webhookID, apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("azuredevops: create subscription delete request: %w", err)
	}
	c.setAuthHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scm.WrapTransport("azuredevops: remove webhook", err)
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

// ParseEvent converts a git.push service hook delivery into the neutral
// event form.
func (c *Connector) ParseEvent(headers http.Header, body []byte) (*scm.Event, error) {
	deliveryID := headers.Get("X-VSS-ActivityId")

	var delivery struct {
		EventType string `json:"eventType"`
		Resource  struct {
			RefUpdates []struct {
				Name        string `json:"name"`
				NewObjectID string `json:"newObjectId"`
			} `json:"refUpdates"`
			Repository struct {
				Name    string `json:"name"`
				Project struct {
					Name string `json:"name"`
				} `json:"project"`
			} `json:"repository"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &delivery); err != nil {
		return nil, fmt.Errorf("azuredevops: parse delivery: %w", err)
	}

	if delivery.EventType != "git.push" || len(delivery.Resource.RefUpdates) == 0 {
		return &scm.Event{Type: scm.EventIgnored, DeliveryID: deliveryID}, nil
	}

	update := delivery.Resource.RefUpdates[0]
	event := &scm.Event{
		Type:         scm.EventIgnored,
		DeliveryID:   deliveryID,
		CommitSHA:    update.NewObjectID,
		Deleted:      update.NewObjectID == strings.Repeat("0", 40),
		RepoFullName: delivery.Resource.Repository.Project.Name + "/" + delivery.Resource.Repository.Name,
	}
	switch {
	case strings.HasPrefix(update.Name, "refs/tags/"):
		event.Type = scm.EventTagPush
		event.RefName = strings.TrimPrefix(update.Name, "refs/tags/")
	case strings.HasPrefix(update.Name, "refs/heads/"):
		event.Type = scm.EventBranchPush
		event.RefName = strings.TrimPrefix(update.Name, "refs/heads/")
	}
	if event.Deleted {
		event.CommitSHA = ""
	}
	return event, nil
}

// Verifier returns the base64 HMAC-SHA256 scheme used on Azure DevOps
// deliveries.
func (c *Connector) Verifier() scm.SignatureVerifier {
	return scm.HMACSHA256Base64{HeaderName: "X-Vss-Signature"}
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

type adoRepo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch"`
	RemoteURL     string `json:"remoteUrl"`
	WebURL        string `json:"webUrl"`
	Project       struct {
		Name       string `json:"name"`
		Visibility string `json:"visibility"`
	} `json:"project"`
}

func convertRepo(r *adoRepo) scm.Repository {
	return scm.Repository{
		ID:            r.ID,
		Owner:         r.Project.Name,
		Name:          r.Name,
		FullName:      r.Project.Name + "/" + r.Name,
		DefaultBranch: strings.TrimPrefix(r.DefaultBranch, "refs/heads/"),
		Private:       r.Project.Visibility != "public",
		CloneURL:      r.RemoteURL,
		WebURL:        r.WebURL,
	}
}

type adoRef struct {
	Name           string `json:"name"`
	ObjectID       string `json:"objectId"`
	PeeledObjectID string `json:"peeledObjectId"`
}

// commitID returns the commit a ref points at, preferring the peeled
// object for annotated tags.
func (r *adoRef) commitID() string {
	if r.PeeledObjectID != "" {
		return r.PeeledObjectID
	}
	return r.ObjectID
}

func init() {
	scm.Register(scm.KindAzureDevOps, func(settings *scm.Settings) (scm.Connector, error) {
		return New(settings)
	})
}
