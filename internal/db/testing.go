package db

import (
	"testing"
)

// NewTestDB creates an in-memory execution database for testing.
// The database is automatically closed when the test completes.
// Schema migrations are applied automatically.
func NewTestDB(t testing.TB) *ExecDB {
	t.Helper()

	edb, err := OpenInMemory()
	if err != nil {
		t.Fatalf("create test db: %v", err)
	}

	t.Cleanup(func() {
		_ = edb.Close()
	})

	return edb
}
