package scm

import (
	"errors"
	"testing"
)

type fakeConnector struct {
	Connector
	kind ProviderKind
}

func (f *fakeConnector) Kind() ProviderKind { return f.kind }

// Platform packages register from init(); this test binary compiles only
// the core package, so the kinds are free to claim here.
func TestRegisterAndBuild(t *testing.T) {
	Register(KindGitHub, func(settings *Settings) (Connector, error) {
		return &fakeConnector{kind: KindGitHub}, nil
	})

	conn, err := Build(&Settings{Kind: KindGitHub, ClientID: "id", ClientSecret: "secret"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if conn.Kind() != KindGitHub {
		t.Errorf("built connector kind = %s, want %s", conn.Kind(), KindGitHub)
	}

	found := false
	for _, k := range RegisteredKinds() {
		if k == KindGitHub {
			found = true
		}
	}
	if !found {
		t.Error("registered kind missing from RegisteredKinds")
	}
}

func TestBuildUnknownKind(t *testing.T) {
	_, err := Build(&Settings{Kind: KindGitLab, ClientID: "id", ClientSecret: "secret"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestBuildInvalidSettings(t *testing.T) {
	if _, err := Build(&Settings{Kind: ProviderKind("nope")}); err == nil {
		t.Error("invalid kind should fail validation")
	}
	if _, err := Build(&Settings{Kind: KindGitLab}); err == nil {
		t.Error("missing client credentials should fail validation")
	}
	if _, err := Build(&Settings{Kind: KindBitbucketDC}); err == nil {
		t.Error("PAT-based provider without base URL should fail validation")
	}
}

func TestSettingsValidatePATBased(t *testing.T) {
	s := &Settings{Kind: KindBitbucketDC, BaseURL: "https://git.example.com"}
	if err := s.Validate(); err != nil {
		t.Fatalf("PAT-based settings should validate without client credentials: %v", err)
	}
}
