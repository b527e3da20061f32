// Package services implements the business logic that coordinates
// repositories, provider connectors, and storage: token lifecycle, module
// linking, webhook-driven publishing, and tag immutability enforcement.
package services

import (
	"fmt"

	"github.com/terraform-registry/scm-sync/internal/crypto"
	"github.com/terraform-registry/scm-sync/internal/scm"
)

// ConnectorSource yields a connector for a stored provider configuration.
// ConnectorFactory is the production implementation.
type ConnectorSource interface {
	ForProvider(p *scm.ProviderConfig) (scm.Connector, error)
}

// ConnectorFactory builds provider connectors from stored configuration,
// decrypting the OAuth client secret on the way.
type ConnectorFactory struct {
	cipher *crypto.TokenCipher
}

// NewConnectorFactory creates a connector factory
func NewConnectorFactory(cipher *crypto.TokenCipher) *ConnectorFactory {
	return &ConnectorFactory{cipher: cipher}
}

// ForProvider builds a connector for a stored provider configuration
func (f *ConnectorFactory) ForProvider(p *scm.ProviderConfig) (scm.Connector, error) {
	clientSecret, err := f.cipher.Open(p.ClientSecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt client secret for provider %s: %w", p.ID, err)
	}

	settings := &scm.Settings{
		Kind:         p.Kind,
		ClientID:     p.ClientID,
		ClientSecret: clientSecret,
	}
	if p.BaseURL != nil {
		settings.BaseURL = *p.BaseURL
	}
	if p.TenantID != nil {
		settings.TenantID = *p.TenantID
	}

	return scm.Build(settings)
}
