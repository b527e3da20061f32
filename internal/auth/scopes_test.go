package auth

import "testing"

func TestHasScope(t *testing.T) {
	tests := []struct {
		name       string
		userScopes []string
		required   Scope
		want       bool
	}{
		{"exact match", []string{"scm:read"}, ScopeSCMRead, true},
		{"missing", []string{"modules:read"}, ScopeSCMManage, false},
		{"admin wildcard", []string{"admin"}, ScopeSCMManage, true},
		{"manage implies read", []string{"scm:manage"}, ScopeSCMRead, true},
		{"write implies read", []string{"modules:write"}, ScopeModulesRead, true},
		{"read does not imply manage", []string{"scm:read"}, ScopeSCMManage, false},
		{"empty", nil, ScopeModulesRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScope(tt.userScopes, tt.required); got != tt.want {
				t.Errorf("HasScope(%v, %s) = %v, want %v", tt.userScopes, tt.required, got, tt.want)
			}
		})
	}
}

func TestHasAnyScope(t *testing.T) {
	if !HasAnyScope([]string{"scm:read"}, []Scope{ScopeSCMManage, ScopeSCMRead}) {
		t.Error("expected match on second required scope")
	}
	if HasAnyScope([]string{"modules:read"}, []Scope{ScopeSCMManage}) {
		t.Error("unexpected match")
	}
}

func TestValidateScopes(t *testing.T) {
	if err := ValidateScopes([]string{"scm:read", "admin"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateScopes([]string{"scm:read", "bogus:scope"}); err == nil {
		t.Error("expected error for unknown scope")
	}
}
