package backendtest

import (
	"testing"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
)

func TestFakeConformance(t *testing.T) {
	Run(t, func(t *testing.T) backend.Backend {
		return NewFake(10)
	})
}
