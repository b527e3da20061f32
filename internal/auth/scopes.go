// Package auth - scopes.go defines permission scopes for the sync service
// and provides HasScope helpers for scope checking.
package auth

import "fmt"

// Scope represents a permission/scope type
type Scope string

const (
	// Module scopes
	ScopeModulesRead  Scope = "modules:read"
	ScopeModulesWrite Scope = "modules:write"

	// SCM integration scopes
	ScopeSCMRead   Scope = "scm:read"   // View provider configs, links, events
	ScopeSCMManage Scope = "scm:manage" // Manage providers, tokens, links; trigger syncs

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeModulesRead,
		ScopeModulesWrite,
		ScopeSCMRead,
		ScopeSCMManage,
		ScopeAdmin,
	}
}

// ValidateScopes checks that all provided scopes are known
func ValidateScopes(scopes []string) error {
	valid := make(map[string]bool)
	for _, s := range AllScopes() {
		valid[string(s)] = true
	}
	for _, s := range scopes {
		if !valid[s] {
			return fmt.Errorf("invalid scope: %s", s)
		}
	}
	return nil
}

// HasScope checks if a user has a required scope. The admin scope matches
// everything, and write/manage scopes imply their read counterpart.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		if scope == string(required) || scope == string(ScopeAdmin) {
			return true
		}
		if required == ScopeModulesRead && scope == string(ScopeModulesWrite) {
			return true
		}
		if required == ScopeSCMRead && scope == string(ScopeSCMManage) {
			return true
		}
	}
	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}
