package admin

import (
	"bytes"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/terraform-registry/scm-sync/internal/crypto"
	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/middleware"
	_ "github.com/terraform-registry/scm-sync/internal/scm/bitbucket"
	_ "github.com/terraform-registry/scm-sync/internal/scm/github"
	"github.com/terraform-registry/scm-sync/internal/services"
)

const testUserID = "user-1"

var tokenColumns = []string{
	"id", "user_id", "scm_provider_id", "access_token_encrypted", "refresh_token_encrypted",
	"token_type", "expires_at", "scopes", "created_at", "updated_at",
}

type oauthFixture struct {
	router  *gin.Engine
	mock    sqlmock.Sqlmock
	handler *SCMOAuthHandler
	cipher  *crypto.TokenCipher
}

func newOAuthFixture(t *testing.T) *oauthFixture {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")

	cipher, err := crypto.NewTokenCipher(bytes.Repeat([]byte{4}, 32))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	scmRepo := repositories.NewSCMRepository(db)
	connectors := services.NewConnectorFactory(cipher)
	tokens := services.NewTokenStore(scmRepo, cipher, connectors, 0)
	handler := NewSCMOAuthHandler(scmRepo, tokens, connectors, "state-secret", "https://sync.example.com")

	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(middleware.UserIDKey, testUserID) })
	router.GET("/api/v1/scm/providers/:id/oauth/authorize", handler.InitiateOAuth)
	router.GET("/api/v1/scm/oauth/callback", handler.HandleOAuthCallback)
	router.POST("/api/v1/scm/providers/:id/token", handler.SavePATToken)
	router.GET("/api/v1/scm/providers/:id/token", handler.GetTokenStatus)
	router.DELETE("/api/v1/scm/providers/:id/token", handler.RevokeToken)
	router.POST("/api/v1/scm/providers/:id/token/refresh", handler.RefreshToken)
	router.GET("/api/v1/scm/providers/:id/repositories", handler.ListRepositories)

	return &oauthFixture{router: router, mock: mock, handler: handler, cipher: cipher}
}

func (f *oauthFixture) expectProvider(t *testing.T, providerID uuid.UUID, kind string) {
	t.Helper()
	sealed, err := f.cipher.Seal("client-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	var baseURL any
	clientID := "client-id"
	if kind == "bitbucket_dc" {
		baseURL = "https://bitbucket.internal.example.com"
		clientID = ""
		sealed = ""
	}
	f.mock.ExpectQuery(`SELECT \* FROM scm_providers WHERE id`).
		WithArgs(providerID).
		WillReturnRows(sqlmock.NewRows(providerColumns).AddRow(
			providerID, kind, kind, baseURL, clientID, sealed,
			nil, true, time.Now(), time.Now()))
}

func (f *oauthFixture) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// splitState decodes a state into its signed payload and signature parts.
func splitState(t *testing.T, state string) (payload, sig string) {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	idx := strings.LastIndex(string(raw), "|")
	if idx < 0 {
		t.Fatalf("state has no signature: %s", raw)
	}
	return string(raw[:idx]), string(raw[idx+1:])
}

func encodeState(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// encryptedNotEqualTo matches any non-empty stored value that differs from
// the given plaintext, asserting the column holds ciphertext.
type encryptedNotEqualTo string

func (e encryptedNotEqualTo) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && s != "" && s != string(e)
}

// ---- state parameter ----

func TestStateRoundTrip(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()

	state := f.handler.signState(testUserID, providerID, time.Now().Add(stateTTL))
	userID, gotProvider, err := f.handler.verifyState(state)
	if err != nil {
		t.Fatalf("verifyState: %v", err)
	}
	if userID != testUserID {
		t.Errorf("userID = %q, want %q", userID, testUserID)
	}
	if gotProvider != providerID {
		t.Errorf("providerID = %s, want %s", gotProvider, providerID)
	}
}

func TestStateRejectsTampering(t *testing.T) {
	f := newOAuthFixture(t)

	state := f.handler.signState(testUserID, uuid.New(), time.Now().Add(stateTTL))
	other := f.handler.signState("someone-else", uuid.New(), time.Now().Add(stateTTL))

	// Splice the signature from a different state onto this payload.
	raw, _ := splitState(t, state)
	_, otherSig := splitState(t, other)
	forged := encodeState(raw + "|" + otherSig)

	if _, _, err := f.handler.verifyState(forged); err == nil {
		t.Fatal("expected forged state to be rejected")
	}
}

func TestStateRejectsExpired(t *testing.T) {
	f := newOAuthFixture(t)

	state := f.handler.signState(testUserID, uuid.New(), time.Now().Add(-time.Minute))
	if _, _, err := f.handler.verifyState(state); err == nil {
		t.Fatal("expected expired state to be rejected")
	}
}

func TestStateRejectsGarbage(t *testing.T) {
	f := newOAuthFixture(t)

	for _, state := range []string{"", "not-base64!!", encodeState("too|few|parts")} {
		if _, _, err := f.handler.verifyState(state); err == nil {
			t.Errorf("expected state %q to be rejected", state)
		}
	}
}

// ---- authorize ----

func TestInitiateOAuthReturnsAuthorizationURL(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()
	f.expectProvider(t, providerID, "github")

	w := f.get("/api/v1/scm/providers/" + providerID.String() + "/oauth/authorize")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		AuthorizationURL string `json:"authorization_url"`
		State            string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if !strings.Contains(resp.AuthorizationURL, "client_id=client-id") {
		t.Errorf("authorization URL missing client_id: %s", resp.AuthorizationURL)
	}
	if !strings.Contains(resp.AuthorizationURL, "oauth%2Fcallback") {
		t.Errorf("authorization URL missing callback: %s", resp.AuthorizationURL)
	}
	if _, _, err := f.handler.verifyState(resp.State); err != nil {
		t.Errorf("returned state does not verify: %v", err)
	}
}

func TestInitiateOAuthRejectsPATProvider(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()
	f.expectProvider(t, providerID, "bitbucket_dc")

	w := f.get("/api/v1/scm/providers/" + providerID.String() + "/oauth/authorize")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}
}

// ---- callback ----

func TestCallbackRejectsBadState(t *testing.T) {
	f := newOAuthFixture(t)

	w := f.get("/api/v1/scm/oauth/callback?code=abc&state=bogus")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCallbackRejectsMissingCode(t *testing.T) {
	f := newOAuthFixture(t)

	state := f.handler.signState(testUserID, uuid.New(), time.Now().Add(stateTTL))
	w := f.get("/api/v1/scm/oauth/callback?state=" + state)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCallbackSurfacesProviderDenial(t *testing.T) {
	f := newOAuthFixture(t)

	w := f.get("/api/v1/scm/oauth/callback?error=access_denied")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "access_denied") {
		t.Errorf("denial reason missing from body: %s", w.Body.String())
	}
}

// ---- PAT storage ----

func TestSavePATTokenStoresEncrypted(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()
	f.expectProvider(t, providerID, "bitbucket_dc")

	f.mock.ExpectQuery(`INSERT INTO scm_oauth_tokens`).
		WithArgs(testUserID, providerID, encryptedNotEqualTo("my-pat"), nil,
			"pat", nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(uuid.New(), time.Now(), time.Now()))

	body := strings.NewReader(`{"access_token":"my-pat","scopes":"repo:read"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scm/providers/"+providerID.String()+"/token", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSavePATTokenRejectsOAuthProvider(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()
	f.expectProvider(t, providerID, "github")

	body := strings.NewReader(`{"access_token":"my-pat"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scm/providers/"+providerID.String()+"/token", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}
}

// ---- token status ----

func TestTokenStatusNotConnected(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()
	f.expectProvider(t, providerID, "github")

	f.mock.ExpectQuery(`SELECT \* FROM scm_oauth_tokens`).
		WithArgs(testUserID, providerID).
		WillReturnRows(sqlmock.NewRows(tokenColumns))

	w := f.get("/api/v1/scm/providers/" + providerID.String() + "/token")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"connected":false`) {
		t.Errorf("expected connected:false, got %s", w.Body.String())
	}
}

func TestTokenStatusNeverReturnsMaterial(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()
	f.expectProvider(t, providerID, "github")

	sealed, err := f.cipher.Seal("super-secret-token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	expires := time.Now().Add(time.Hour)
	f.mock.ExpectQuery(`SELECT \* FROM scm_oauth_tokens`).
		WithArgs(testUserID, providerID).
		WillReturnRows(sqlmock.NewRows(tokenColumns).AddRow(
			uuid.New(), testUserID, providerID, sealed, nil,
			"bearer", expires, "repo", time.Now(), time.Now()))

	w := f.get("/api/v1/scm/providers/" + providerID.String() + "/token")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"connected":true`) {
		t.Errorf("expected connected:true, got %s", body)
	}
	if strings.Contains(body, "super-secret-token") || strings.Contains(body, sealed) {
		t.Errorf("token material leaked in response: %s", body)
	}
}

func TestRefreshTokenRejectsPATProvider(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()
	f.expectProvider(t, providerID, "bitbucket_dc")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scm/providers/"+providerID.String()+"/token/refresh", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRefreshTokenWithoutCredential(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()
	f.expectProvider(t, providerID, "github")

	f.mock.ExpectQuery(`SELECT \* FROM scm_oauth_tokens`).
		WithArgs(testUserID, providerID).
		WillReturnRows(sqlmock.NewRows(tokenColumns))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scm/providers/"+providerID.String()+"/token/refresh", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

// ---- upstream failures ----

func TestListRepositoriesRevokedUpstreamCredential(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()

	// The platform rejects the stored token outright, as it does after a
	// user revokes the grant on the provider side.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	t.Cleanup(upstream.Close)

	sealedSecret, err := f.cipher.Seal("client-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	f.mock.ExpectQuery(`SELECT \* FROM scm_providers WHERE id`).
		WithArgs(providerID).
		WillReturnRows(sqlmock.NewRows(providerColumns).AddRow(
			providerID, "github", "github", upstream.URL, "client-id", sealedSecret,
			nil, true, time.Now(), time.Now()))

	sealedToken, err := f.cipher.Seal("revoked-token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	f.mock.ExpectQuery(`SELECT \* FROM scm_oauth_tokens`).
		WithArgs(testUserID, providerID).
		WillReturnRows(sqlmock.NewRows(tokenColumns).AddRow(
			uuid.New(), testUserID, providerID, sealedToken, nil,
			"bearer", nil, nil, time.Now(), time.Now()))

	w := f.get("/api/v1/scm/providers/" + providerID.String() + "/repositories")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "re-authorize") {
		t.Errorf("expected a reconnect hint, got %s", w.Body.String())
	}
}

func TestRevokeToken(t *testing.T) {
	f := newOAuthFixture(t)
	providerID := uuid.New()
	f.expectProvider(t, providerID, "github")

	f.mock.ExpectExec(`DELETE FROM scm_oauth_tokens`).
		WithArgs(testUserID, providerID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/scm/providers/"+providerID.String()+"/token", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}
