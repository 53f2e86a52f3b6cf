package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildDatasetFilePath returns the object key of one parquet file of a
// tenant table: <tenant>/datasets/<table>/<file>.parquet.
func BuildDatasetFilePath(tenantID, tableName, fileName string) (string, error) {
	if err := validatePathComponent(tenantID, "tenant id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(tableName, "table name"); err != nil {
		return "", err
	}
	fileName = strings.TrimSuffix(fileName, ".parquet")
	if err := validatePathComponent(fileName, "file name"); err != nil {
		return "", err
	}
	return path.Join(tenantID, "datasets", tableName, fileName+".parquet"), nil
}

// ValidTableName reports whether name can be used as a dataset table and
// view name.
func ValidTableName(name string) bool {
	return pathComponentPattern.MatchString(name) && !strings.Contains(name, ".")
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) || strings.Contains(value, "..") {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
