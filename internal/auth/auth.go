package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// Identity is the authenticated caller. KeyID is a short fingerprint of the
// presented key, safe to log.
type Identity struct {
	TenantID string
	Roles    []string
	KeyID    string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

var knownRoles = []string{RoleAskReader, RoleAskWriter}

type staticKey struct {
	digest   [sha256.Size]byte
	identity Identity
}

// StaticAPIKeyValidator holds keys from ASKMESH_AUTH_STATIC_KEYS. Raw keys
// are dropped after parsing; only digests stay in memory.
type StaticAPIKeyValidator struct {
	keys []staticKey
}

// NewStaticAPIKeyValidator parses "key:tenant:role|role" entries separated by
// commas. Roles must be ask_reader or ask_writer.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	seen := map[[sha256.Size]byte]bool{}
	for _, entry := range strings.Split(spec, ",") {
		key, identity, err := parseKeyEntry(entry)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256([]byte(key))
		if seen[digest] {
			return nil, fmt.Errorf("invalid static key entry for tenant %q: duplicate key", identity.TenantID)
		}
		seen[digest] = true
		identity.KeyID = keyID(digest)
		validator.keys = append(validator.keys, staticKey{digest: digest, identity: identity})
	}
	return validator, nil
}

func parseKeyEntry(entry string) (string, Identity, error) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) != 3 {
		return "", Identity{}, fmt.Errorf("invalid static key entry: expected key:tenant:role|role, got %d field(s)", len(parts))
	}
	key := strings.TrimSpace(parts[0])
	tenant := strings.TrimSpace(parts[1])
	if key == "" || tenant == "" {
		return "", Identity{}, fmt.Errorf("invalid static key entry for tenant %q: empty key/tenant", tenant)
	}

	var roles []string
	for _, role := range strings.Split(parts[2], "|") {
		role = strings.TrimSpace(role)
		if role == "" || slices.Contains(roles, role) {
			continue
		}
		if !slices.Contains(knownRoles, role) {
			return "", Identity{}, fmt.Errorf("invalid static key entry for tenant %q: unknown role %q", tenant, role)
		}
		roles = append(roles, role)
	}
	if len(roles) == 0 {
		return "", Identity{}, fmt.Errorf("invalid static key entry for tenant %q: at least one role is required", tenant)
	}
	slices.Sort(roles)
	return key, Identity{TenantID: tenant, Roles: roles}, nil
}

// Validate compares digests in constant time and scans every key so the
// lookup cost does not depend on which key matched.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	if apiKey == "" {
		return Identity{}, false
	}
	digest := sha256.Sum256([]byte(apiKey))
	var (
		match Identity
		found bool
	)
	for _, candidate := range v.keys {
		if subtle.ConstantTimeCompare(candidate.digest[:], digest[:]) == 1 {
			match, found = candidate.identity, true
		}
	}
	return match, found
}

// Tenants lists the tenants that have at least one key.
func (v *StaticAPIKeyValidator) Tenants() []string {
	var tenants []string
	for _, key := range v.keys {
		if !slices.Contains(tenants, key.identity.TenantID) {
			tenants = append(tenants, key.identity.TenantID)
		}
	}
	slices.Sort(tenants)
	return tenants
}

func keyID(digest [sha256.Size]byte) string {
	return hex.EncodeToString(digest[:4])
}
