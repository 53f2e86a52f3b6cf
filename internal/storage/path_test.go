package storage

import "testing"

func TestBuildDatasetFilePath(t *testing.T) {
	key, err := BuildDatasetFilePath("tenant-1", "books", "books-0001")
	if err != nil {
		t.Fatalf("BuildDatasetFilePath() error = %v", err)
	}
	want := "tenant-1/datasets/books/books-0001.parquet"
	if key != want {
		t.Fatalf("BuildDatasetFilePath() = %q, want %q", key, want)
	}

	again, err := BuildDatasetFilePath("tenant-1", "books", "books-0001.parquet")
	if err != nil || again != want {
		t.Fatalf("BuildDatasetFilePath(with extension) = %q, %v", again, err)
	}
}

func TestBuildDatasetFilePathRejectsInvalidComponent(t *testing.T) {
	cases := []struct {
		tenant, table, file string
	}{
		{"../oops", "books", "f"},
		{"tenant", "", "f"},
		{"tenant", "books", "a..b"},
		{"tenant", "bo/oks", "f"},
	}
	for _, tc := range cases {
		if _, err := BuildDatasetFilePath(tc.tenant, tc.table, tc.file); err == nil {
			t.Fatalf("BuildDatasetFilePath(%q, %q, %q) expected error", tc.tenant, tc.table, tc.file)
		}
	}
}

func TestValidTableName(t *testing.T) {
	cases := map[string]bool{
		"books":       true,
		"book_sales":  true,
		"books-2024":  true,
		"schema.tbl":  false,
		"":            false,
		"_hidden":     false,
		"drop table":  false,
	}
	for name, want := range cases {
		if got := ValidTableName(name); got != want {
			t.Fatalf("ValidTableName(%q) = %v, want %v", name, got, want)
		}
	}
}
