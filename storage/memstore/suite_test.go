package memstore_test

import (
	"testing"

	"github.com/albertobadia/zoocache-go/storage"
	"github.com/albertobadia/zoocache-go/storage/memstore"
	"github.com/albertobadia/zoocache-go/storage/storagetest"
)

func Test_Memstore_Contract(t *testing.T) {
	t.Parallel()

	storagetest.TestBackendSuite(t, func(t *testing.T) storage.Backend {
		return memstore.New()
	})
}
