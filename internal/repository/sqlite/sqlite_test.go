package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/eyes-pick/kapsules/internal/repository"
	"github.com/eyes-pick/kapsules/internal/repository/repotest"
)

func TestStoreContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store {
		store, err := Open(filepath.Join(t.TempDir(), "kapsules.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
