package pgstore

import (
	"os"
	"testing"

	"github.com/durably/durably/storage"
	"github.com/durably/durably/storage/storagetest"
)

func TestPgstoreConformance(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set TEST_POSTGRES_DSN to run pgstore conformance tests")
	}

	storagetest.RunConformance(t, func(t *testing.T) storage.Storage {
		s, err := Open(dsn)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() {
			truncateAll(t, s.(*Store))
			_ = s.Close()
		})
		truncateAll(t, s.(*Store))
		return s
	})
}

func truncateAll(t *testing.T, s *Store) {
	t.Helper()
	if err := s.DB.Exec("TRUNCATE durably_runs, durably_steps, durably_logs CASCADE").Error; err != nil {
		t.Fatalf("truncate test tables: %v", err)
	}
}
