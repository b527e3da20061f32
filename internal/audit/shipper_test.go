package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/terraform-registry/scm-sync/internal/audit"
)

func sampleEntry(action string) *audit.Entry {
	return &audit.Entry{
		Timestamp:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Action:       action,
		UserID:       "user-1",
		RequestID:    "req-1",
		ResourceType: "scm_provider",
		ResourceID:   "provider-1",
		IPAddress:    "10.0.0.5",
		StatusCode:   201,
	}
}

func TestFileShipperWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	shipper, err := audit.NewFileShipper(&audit.FileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	defer shipper.Close()

	if err := shipper.Ship(context.Background(), sampleEntry("provider.create")); err != nil {
		t.Fatalf("Ship: %v", err)
	}
	if err := shipper.Ship(context.Background(), sampleEntry("provider.delete")); err != nil {
		t.Fatalf("Ship: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var actions []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry audit.Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("unmarshal line %q: %v", scanner.Text(), err)
		}
		actions = append(actions, entry.Action)
	}
	if len(actions) != 2 || actions[0] != "provider.create" || actions[1] != "provider.delete" {
		t.Errorf("actions = %v", actions)
	}
}

func TestFileShipperRotatesAtMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	shipper, err := audit.NewFileShipper(&audit.FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	defer shipper.Close()

	// Push the file past 1MB so a later Ship triggers rotation.
	entry := sampleEntry("link.create")
	entry.Metadata = map[string]any{"padding": strings.Repeat("x", 4096)}
	for i := 0; i < 300; i++ {
		if err := shipper.Ship(context.Background(), entry); err != nil {
			t.Fatalf("Ship: %v", err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated backup %s.1: %v", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 2*1024*1024 {
		t.Errorf("live file not rotated, size = %d", info.Size())
	}
}

func TestFileShipperUsesRestrictivePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	shipper, err := audit.NewFileShipper(&audit.FileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	defer shipper.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 0600", perm)
	}
}

func TestWebhookShipperPostsEntry(t *testing.T) {
	var mu sync.Mutex
	var received []audit.Entry
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotAuth = r.Header.Get("Authorization")
		var entry audit.Entry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			t.Errorf("decode: %v", err)
		}
		received = append(received, entry)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	shipper, err := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer siem-token"},
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	defer shipper.Close()

	if err := shipper.Ship(context.Background(), sampleEntry("sync.trigger")); err != nil {
		t.Fatalf("Ship: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Action != "sync.trigger" {
		t.Fatalf("received = %+v", received)
	}
	if gotAuth != "Bearer siem-token" {
		t.Errorf("Authorization header = %q", gotAuth)
	}
}

func TestWebhookShipperReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	shipper, err := audit.NewWebhookShipper(&audit.WebhookConfig{URL: server.URL})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	defer shipper.Close()

	if err := shipper.Ship(context.Background(), sampleEntry("token.save")); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestWebhookShipperBatchesAndFlushesOnClose(t *testing.T) {
	var mu sync.Mutex
	var batches [][]audit.Entry
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []audit.Entry
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode batch: %v", err)
		}
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	shipper, err := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL:           server.URL,
		BatchSize:     10,
		FlushInterval: time.Hour, // the ticker never fires in this test
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := shipper.Ship(context.Background(), sampleEntry("violation.ack")); err != nil {
			t.Fatalf("Ship: %v", err)
		}
	}
	shipper.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := len(batches) == 1 && len(batches[0]) == 3
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batched entries never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMultiShipperFansOutAndContinuesPastFailures(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	path := filepath.Join(t.TempDir(), "audit.log")
	ms, err := audit.NewMultiShipper([]audit.ShipperConfig{
		{Enabled: true, Type: "webhook", Webhook: &audit.WebhookConfig{URL: failing.URL}},
		{Enabled: true, Type: "file", File: &audit.FileConfig{Path: path}},
		{Enabled: false, Type: "webhook"}, // disabled entries are skipped entirely
	})
	if err != nil {
		t.Fatalf("NewMultiShipper: %v", err)
	}
	defer ms.Close()

	if err := ms.Ship(context.Background(), sampleEntry("link.delete")); err == nil {
		t.Error("expected the webhook failure to surface")
	}

	// The file destination still received the entry.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "link.delete") {
		t.Errorf("file missing entry: %s", data)
	}
}

func TestMultiShipperRejectsUnknownType(t *testing.T) {
	_, err := audit.NewMultiShipper([]audit.ShipperConfig{
		{Enabled: true, Type: "syslog"},
	})
	if err == nil {
		t.Fatal("expected error for unknown shipper type")
	}
}

func TestMultiShipperRequiresTypeConfig(t *testing.T) {
	if _, err := audit.NewMultiShipper([]audit.ShipperConfig{{Enabled: true, Type: "webhook"}}); err == nil {
		t.Error("expected error for webhook shipper without webhook config")
	}
	if _, err := audit.NewMultiShipper([]audit.ShipperConfig{{Enabled: true, Type: "file"}}); err == nil {
		t.Error("expected error for file shipper without file config")
	}
}
