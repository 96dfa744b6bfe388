package litestore

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/durably/durably/storage"
	"github.com/durably/durably/storage/storagetest"
)

func TestLitestoreConformance(t *testing.T) {
	n := 0
	storagetest.RunConformance(t, func(t *testing.T) storage.Storage {
		n++
		dir := t.TempDir()
		path := filepath.Join(dir, fmt.Sprintf("durably-%d.db", n))
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
