package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	RoleAskWriter = "ask_writer"
	RoleAskReader = "ask_reader"
)

var ErrTenantRequired = errors.New("tenant context is required")

// TenantFromRequest resolves the tenant from the authenticated identity,
// then the X-Tenant-ID header, then fallback.
func TenantFromRequest(r *http.Request, fallback string) (string, error) {
	if identity, ok := IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.TenantID) != "" {
			return identity.TenantID, nil
		}
	}
	if tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); tenantID != "" {
		return tenantID, nil
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback, nil
	}
	return "", ErrTenantRequired
}

// RequireRole passes unauthenticated requests; auth enforcement is the
// middleware's job.
func RequireRole(r *http.Request, role string) error {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	if identity.KeyID != "" {
		return fmt.Errorf("key %s is missing required role %q", identity.KeyID, role)
	}
	return fmt.Errorf("missing required role %q", role)
}
