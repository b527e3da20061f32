package modules

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/terraform-registry/scm-sync/internal/db/repositories"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var moduleColumns = []string{"id", "namespace", "name", "system", "description", "created_by", "created_at", "updated_at"}

func newModuleRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")

	handler := NewModuleHandler(repositories.NewModuleRepository(db))
	router := gin.New()
	router.POST("/api/v1/modules", handler.CreateModule)
	router.GET("/api/v1/modules", handler.ListModules)
	router.GET("/api/v1/modules/:id", handler.GetModule)
	router.GET("/api/v1/modules/:id/versions", handler.ListVersions)
	return router, mock
}

func TestCreateModule(t *testing.T) {
	router, mock := newModuleRouter(t)

	mock.ExpectQuery(`INSERT INTO modules`).
		WithArgs("acme", "vpc", "aws", nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(uuid.New(), time.Now(), time.Now()))

	body := `{"namespace":"acme","name":"vpc","system":"aws"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/modules", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestCreateModuleRejectsBadName(t *testing.T) {
	router, _ := newModuleRouter(t)

	body := `{"namespace":"acme","name":"VPC Peering!","system":"aws"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/modules", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCreateModuleRejectsMissingFields(t *testing.T) {
	router, _ := newModuleRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/modules", strings.NewReader(`{"namespace":"acme"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetModuleNotFound(t *testing.T) {
	router, mock := newModuleRouter(t)
	moduleID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM modules WHERE id`).
		WithArgs(moduleID).
		WillReturnRows(sqlmock.NewRows(moduleColumns))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/modules/"+moduleID.String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestListVersions(t *testing.T) {
	router, mock := newModuleRouter(t)
	moduleID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM modules WHERE id`).
		WithArgs(moduleID).
		WillReturnRows(sqlmock.NewRows(moduleColumns).
			AddRow(moduleID, "acme", "vpc", "aws", nil, nil, time.Now(), time.Now()))
	mock.ExpectQuery(`SELECT \* FROM module_versions`).
		WithArgs(moduleID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "module_id", "version", "tag_name", "commit_sha", "link_id", "published_by", "created_at"}).
			AddRow(uuid.New(), moduleID, "1.2.0", "v1.2.0", "abc123", nil, nil, time.Now()).
			AddRow(uuid.New(), moduleID, "1.1.0", "v1.1.0", "def456", nil, nil, time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/modules/"+moduleID.String()+"/versions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "1.2.0") {
		t.Errorf("versions missing from body: %s", w.Body.String())
	}
}

func TestGetModuleBadID(t *testing.T) {
	router, _ := newModuleRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/modules/not-a-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
