package seed

import (
	"fmt"
	"strconv"
	"strings"
)

type LookupFunc func(string) (string, bool)

type Config struct {
	TenantID     string
	TableName    string
	FileName     string
	Rows         int
	Seed         int64
	WithExamples bool
}

func DefaultConfig() Config {
	return Config{
		TenantID:     "tenant-dev",
		TableName:    "books",
		FileName:     "books-0001",
		Rows:         500,
		Seed:         42,
		WithExamples: true,
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	applyString(lookup, "ASKMESH_SEED_TENANT_ID", &cfg.TenantID)
	applyString(lookup, "ASKMESH_SEED_TABLE", &cfg.TableName)
	applyString(lookup, "ASKMESH_SEED_FILE_NAME", &cfg.FileName)
	if err := applyInt(lookup, "ASKMESH_SEED_ROWS", &cfg.Rows); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "ASKMESH_SEED_RANDOM_SEED", &cfg.Seed); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ASKMESH_SEED_WITH_EXAMPLES", &cfg.WithExamples); err != nil {
		return Config{}, err
	}

	if cfg.TenantID == "" {
		return Config{}, fmt.Errorf("ASKMESH_SEED_TENANT_ID is required")
	}
	if cfg.TableName == "" {
		return Config{}, fmt.Errorf("ASKMESH_SEED_TABLE is required")
	}
	if cfg.FileName == "" {
		return Config{}, fmt.Errorf("ASKMESH_SEED_FILE_NAME is required")
	}
	if cfg.Rows <= 0 {
		return Config{}, fmt.Errorf("ASKMESH_SEED_ROWS must be > 0")
	}
	return cfg, nil
}

func applyString(lookup LookupFunc, key string, dst *string) {
	if raw, ok := lookup(key); ok {
		*dst = strings.TrimSpace(raw)
	}
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
