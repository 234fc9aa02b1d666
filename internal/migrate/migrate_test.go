package migrate

import (
	"io"
	"strings"
	"testing"
)

// TestEmbeddedMigrationsWellFormed is a lightweight sanity check on the
// migration tree that doesn't require a live database: every embedded file
// must carry both a goose Up and Down annotation.
func TestEmbeddedMigrationsWellFormed(t *testing.T) {
	entries, err := embedded.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one embedded migration file")
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		f, err := embedded.Open(dir + "/" + e.Name())
		if err != nil {
			t.Fatalf("open %s: %v", e.Name(), err)
		}
		body, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		content := string(body)
		if !strings.Contains(content, "-- +goose Up") {
			t.Errorf("%s: missing '-- +goose Up' annotation", e.Name())
		}
		if !strings.Contains(content, "-- +goose Down") {
			t.Errorf("%s: missing '-- +goose Down' annotation", e.Name())
		}
	}
}
