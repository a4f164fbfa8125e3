package memory

import (
	"testing"

	"github.com/eyes-pick/kapsules/internal/repository"
	"github.com/eyes-pick/kapsules/internal/repository/repotest"
)

func TestStoreContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store { return New() })
}
