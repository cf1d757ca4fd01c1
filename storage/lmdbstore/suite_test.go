package lmdbstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/albertobadia/zoocache-go/storage"
	"github.com/albertobadia/zoocache-go/storage/lmdbstore"
	"github.com/albertobadia/zoocache-go/storage/storagetest"
)

func Test_Lmdbstore_Contract(t *testing.T) {
	t.Parallel()

	storagetest.TestBackendSuite(t, func(t *testing.T) storage.Backend {
		s, err := lmdbstore.Open(t.TempDir(), 64<<20, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
