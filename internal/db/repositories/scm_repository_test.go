package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/terraform-registry/scm-sync/internal/scm"
)

var errDB = errors.New("database exploded")

func newSCMRepo(t *testing.T) (*SCMRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSCMRepository(sqlx.NewDb(db, "sqlmock")), mock
}

// Minimal column sets matching struct db tags
var providerCols = []string{
	"id", "kind", "display_name", "client_id", "client_secret_encrypted",
	"is_active", "created_at", "updated_at",
}

var tokenCols = []string{
	"id", "user_id", "scm_provider_id", "access_token_encrypted",
	"token_type", "created_at", "updated_at",
}

var linkCols = []string{
	"id", "module_id", "scm_provider_id", "repository_owner", "repository_name",
	"default_branch", "module_path", "tag_pattern", "auto_publish",
	"webhook_secret", "created_at", "updated_at",
}

var eventCols = []string{
	"id", "link_id", "event_type", "state",
	"payload", "headers", "received_at", "updated_at",
}

func sampleProviderRow() *sqlmock.Rows {
	return sqlmock.NewRows(providerCols).
		AddRow(uuid.New(), "github", "Corp GitHub", "client-123", "encrypted-secret",
			true, time.Now(), time.Now())
}

func sampleTokenRow() *sqlmock.Rows {
	return sqlmock.NewRows(tokenCols).
		AddRow(uuid.New(), "user-1", uuid.New(), "encrypted-access-token",
			"bearer", time.Now(), time.Now())
}

func sampleLinkRow() *sqlmock.Rows {
	return sqlmock.NewRows(linkCols).
		AddRow(uuid.New(), uuid.New(), uuid.New(), "infra", "terraform-aws-vpc",
			"main", "", "v*", true, "hook-secret",
			time.Now(), time.Now())
}

func sampleEventRow() *sqlmock.Rows {
	return sqlmock.NewRows(eventCols).
		AddRow(uuid.New(), uuid.New(), "tag_push", "pending",
			[]byte(`{}`), []byte(`{}`), time.Now(), time.Now())
}

func TestCreateProvider(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("INSERT INTO scm_providers").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(uuid.New(), time.Now(), time.Now()))

	p := &scm.ProviderConfig{
		Kind:                  scm.KindGitHub,
		DisplayName:           "Corp GitHub",
		ClientID:              "client-123",
		ClientSecretEncrypted: "encrypted",
	}
	if err := repo.CreateProvider(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID == uuid.Nil {
		t.Error("ID not populated from RETURNING clause")
	}
}

func TestGetProviderNotFound(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("SELECT \\* FROM scm_providers WHERE id").
		WillReturnRows(sqlmock.NewRows(providerCols))

	p, err := repo.GetProvider(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Error("expected nil for missing provider")
	}
}

func TestGetProviderFound(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("SELECT \\* FROM scm_providers WHERE id").
		WillReturnRows(sampleProviderRow())

	p, err := repo.GetProvider(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil || p.Kind != scm.KindGitHub {
		t.Errorf("unexpected provider: %+v", p)
	}
}

func TestSaveUserTokenUpsert(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("INSERT INTO scm_oauth_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(uuid.New(), time.Now(), time.Now()))

	tok := &scm.UserToken{
		UserID:               "user-1",
		ProviderID:           uuid.New(),
		AccessTokenEncrypted: "encrypted",
		TokenType:            "bearer",
	}
	if err := repo.SaveUserToken(context.Background(), tok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetUserTokenNotFound(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("SELECT \\* FROM scm_oauth_tokens").
		WillReturnRows(sqlmock.NewRows(tokenCols))

	tok, err := repo.GetUserToken(context.Background(), "user-1", uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != nil {
		t.Error("expected nil for missing token")
	}
}

func TestGetUserTokenFound(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("SELECT \\* FROM scm_oauth_tokens").
		WillReturnRows(sampleTokenRow())

	tok, err := repo.GetUserToken(context.Background(), "user-1", uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok == nil || tok.AccessTokenEncrypted != "encrypted-access-token" {
		t.Errorf("unexpected token: %+v", tok)
	}
}

func TestCreateLinkDuplicateModule(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("INSERT INTO module_scm_links").
		WillReturnError(&pq.Error{Code: "23505"})

	link := &scm.ModuleLink{ModuleID: uuid.New(), ProviderID: uuid.New()}
	err := repo.CreateLink(context.Background(), link)
	if !errors.Is(err, scm.ErrAlreadyLinked) {
		t.Errorf("err = %v, want ErrAlreadyLinked", err)
	}
}

func TestCreateLinkOtherError(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("INSERT INTO module_scm_links").
		WillReturnError(errDB)

	err := repo.CreateLink(context.Background(), &scm.ModuleLink{})
	if err == nil || errors.Is(err, scm.ErrAlreadyLinked) {
		t.Errorf("err = %v, want passthrough database error", err)
	}
}

func TestGetLinkByModuleNotFound(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("SELECT \\* FROM module_scm_links WHERE module_id").
		WillReturnRows(sqlmock.NewRows(linkCols))

	l, err := repo.GetLinkByModule(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l != nil {
		t.Error("expected nil for unlinked module")
	}
}

func TestGetLinkByModuleFound(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("SELECT \\* FROM module_scm_links WHERE module_id").
		WillReturnRows(sampleLinkRow())

	l, err := repo.GetLinkByModule(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l == nil || l.RepositoryName != "terraform-aws-vpc" {
		t.Errorf("unexpected link: %+v", l)
	}
}

func TestCreateWebhookEvent(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("INSERT INTO scm_webhook_events").
		WillReturnRows(sqlmock.NewRows([]string{"id", "received_at", "updated_at"}).
			AddRow(uuid.New(), time.Now(), time.Now()))

	e := &scm.WebhookEvent{
		LinkID:    uuid.New(),
		EventType: string(scm.EventTagPush),
		State:     scm.EventPending,
		Payload:   []byte(`{"ref":"refs/tags/v1.0.0"}`),
		Headers:   []byte(`{}`),
	}
	if err := repo.CreateWebhookEvent(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateEventStateCompareAndSwap(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectExec("UPDATE scm_webhook_events SET state").
		WithArgs(sqlmock.AnyArg(), "pending", "processing", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateEventState(context.Background(), uuid.New(), scm.EventPending, scm.EventProcessing, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateEventStateWrongCurrentState(t *testing.T) {
	repo, mock := newSCMRepo(t)
	// Zero rows matched: the event is no longer in the expected state.
	mock.ExpectExec("UPDATE scm_webhook_events SET state").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateEventState(context.Background(), uuid.New(), scm.EventProcessing, scm.EventSucceeded, nil)
	if err == nil {
		t.Error("expected error when no row matched the expected state")
	}
}

func TestUpdateEventStateInvalidTransition(t *testing.T) {
	repo, _ := newSCMRepo(t)
	err := repo.UpdateEventState(context.Background(), uuid.New(), scm.EventSucceeded, scm.EventProcessing, nil)
	if err == nil {
		t.Error("expected error for backwards transition")
	}
}

func TestListWebhookEvents(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("SELECT \\* FROM scm_webhook_events WHERE link_id").
		WillReturnRows(sampleEventRow())

	events, err := repo.ListWebhookEvents(context.Background(), uuid.New(), 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].State != scm.EventPending {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestCreateViolation(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("INSERT INTO immutability_violations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "detected_at"}).
			AddRow(uuid.New(), time.Now()))

	v := &scm.ImmutabilityViolation{
		ModuleID:       uuid.New(),
		Version:        "1.2.0",
		TagName:        "v1.2.0",
		ExpectedCommit: "aaa111",
		ActualCommit:   "bbb222",
	}
	if err := repo.CreateViolation(context.Background(), v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHasOpenViolation(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM immutability_violations").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	open, err := repo.HasOpenViolation(context.Background(), uuid.New(), "1.2.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !open {
		t.Error("expected open violation")
	}
}

func TestRescheduleOrphan(t *testing.T) {
	repo, mock := newSCMRepo(t)
	mock.ExpectExec("UPDATE webhook_orphans SET attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RescheduleOrphan(context.Background(), uuid.New(), "rate limited", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
