package seed

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// DescribeParquetSchema renders the columns of a parquet file as a
// CREATE TABLE statement for use as a schema snippet.
func DescribeParquetSchema(tableName string, data []byte) (string, int64, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open parquet file: %w", err)
	}

	fields := file.Schema().Fields()
	if len(fields) == 0 {
		return "", 0, fmt.Errorf("parquet file has no columns")
	}
	columns := make([]string, 0, len(fields))
	for _, field := range fields {
		columns = append(columns, fmt.Sprintf("  %s %s", field.Name(), sqlType(field)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", tableName)
	b.WriteString(strings.Join(columns, ",\n"))
	b.WriteString("\n);")
	return b.String(), file.NumRows(), nil
}

func sqlType(node parquet.Node) string {
	if !node.Leaf() {
		return "STRUCT"
	}
	typ := node.Type()
	if logical := typ.LogicalType(); logical != nil && logical.UTF8 != nil {
		return "VARCHAR"
	}
	switch typ.Kind() {
	case parquet.Boolean:
		return "BOOLEAN"
	case parquet.Int32:
		return "INTEGER"
	case parquet.Int64:
		return "BIGINT"
	case parquet.Float:
		return "FLOAT"
	case parquet.Double:
		return "DOUBLE"
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return "BLOB"
	default:
		return "VARCHAR"
	}
}
