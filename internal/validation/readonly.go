package validation

import (
	"strings"
)

// fileFunctions are DuckDB table functions that read files or URLs named by
// the statement. Datasets are mounted as views, so queries never need them.
var fileFunctions = map[string]bool{
	"read_csv": true, "read_csv_auto": true, "sniff_csv": true,
	"read_parquet": true, "parquet_scan": true, "parquet_metadata": true,
	"parquet_schema": true, "parquet_file_metadata": true, "parquet_kv_metadata": true,
	"read_json": true, "read_json_auto": true, "read_json_objects": true,
	"read_ndjson": true, "read_ndjson_auto": true, "read_ndjson_objects": true,
	"read_text": true, "read_blob": true, "glob": true,
	"read_xlsx": true, "iceberg_scan": true, "delta_scan": true, "st_read": true,
}

// CheckReadOnly returns a non-empty reason when sqlText is not a single
// SELECT or WITH statement, or when it reads files directly.
func CheckReadOnly(sqlText string) string {
	body := StripTrailingSemicolons(sqlText)
	if body == "" {
		return "sql is empty"
	}
	if hasStatementSeparator(body) {
		return "multiple statements are not allowed"
	}
	keyword := strings.ToLower(firstKeyword(body))
	switch keyword {
	case "select", "with":
		if name := fileFunctionCall(body); name != "" {
			return "reading files is not allowed, got " + name
		}
		return ""
	case "":
		return "sql has no statement"
	default:
		return "only read-only SELECT statements are allowed, got " + strings.ToUpper(keyword)
	}
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// hasStatementSeparator reports a ';' outside quotes and comments.
func hasStatementSeparator(sqlText string) bool {
	var quote byte
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(sqlText) && sqlText[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"':
			quote = c
		case c == '-' && i+1 < len(sqlText) && sqlText[i+1] == '-':
			for i < len(sqlText) && sqlText[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(sqlText) && sqlText[i+1] == '*':
			end := strings.Index(sqlText[i+2:], "*/")
			if end < 0 {
				return false
			}
			i += end + 3
		case c == ';':
			return true
		}
	}
	return false
}

// fileFunctionCall returns the first fileFunctions name called in sqlText.
// String literals and comments are skipped; quoted identifiers are not.
func fileFunctionCall(sqlText string) string {
	isWord := func(c byte) bool {
		return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
	}
	for i := 0; i < len(sqlText); {
		c := sqlText[i]
		var word string
		switch {
		case c == '\'':
			i = skipQuoted(sqlText, i, '\'')
			continue
		case c == '-' && i+1 < len(sqlText) && sqlText[i+1] == '-':
			for i < len(sqlText) && sqlText[i] != '\n' {
				i++
			}
			continue
		case c == '/' && i+1 < len(sqlText) && sqlText[i+1] == '*':
			end := strings.Index(sqlText[i+2:], "*/")
			if end < 0 {
				return ""
			}
			i += end + 4
			continue
		case c == '"':
			end := skipQuoted(sqlText, i, '"')
			word = strings.ReplaceAll(sqlText[i+1:max(i+1, end-1)], `""`, `"`)
			i = end
		case isWord(c):
			start := i
			for i < len(sqlText) && isWord(sqlText[i]) {
				i++
			}
			word = sqlText[start:i]
		default:
			i++
			continue
		}
		name := strings.ToLower(word)
		if fileFunctions[name] && strings.HasPrefix(strings.TrimLeft(sqlText[i:], " \t\r\n"), "(") {
			return name
		}
	}
	return ""
}

// skipQuoted returns the index just past the quote opened at start. Doubled
// quotes are escapes.
func skipQuoted(sqlText string, start int, quote byte) int {
	for i := start + 1; i < len(sqlText); i++ {
		if sqlText[i] != quote {
			continue
		}
		if i+1 < len(sqlText) && sqlText[i+1] == quote {
			i++
			continue
		}
		return i + 1
	}
	return len(sqlText)
}

// firstKeyword skips whitespace, comments and opening parentheses.
func firstKeyword(sqlText string) string {
	rest := sqlText
	for {
		rest = strings.TrimLeft(rest, " \t\r\n(")
		switch {
		case strings.HasPrefix(rest, "--"):
			newline := strings.IndexByte(rest, '\n')
			if newline < 0 {
				return ""
			}
			rest = rest[newline+1:]
		case strings.HasPrefix(rest, "/*"):
			end := strings.Index(rest, "*/")
			if end < 0 {
				return ""
			}
			rest = rest[end+2:]
		default:
			end := strings.IndexFunc(rest, func(r rune) bool {
				return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_')
			})
			if end < 0 {
				return rest
			}
			return rest[:end]
		}
	}
}
