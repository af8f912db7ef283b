package testutils

import (
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/drpcorg/viewdb/kv"
	"github.com/drpcorg/viewdb/kv/pebblekv"
	"github.com/drpcorg/viewdb/kv/sqlitekv"
	"github.com/drpcorg/viewdb/store"
	"github.com/drpcorg/viewdb/utils"
	"github.com/drpcorg/viewdb/viewdb_errors"
	"github.com/stretchr/testify/require"
)

// Engines lists the kv engines store level tests run against.
var Engines = []string{"pebble", "sqlite"}

func Logger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

// OpenEngine opens an engine of the given kind under dir. A sqlite engine
// lives in a single file inside dir, so two engines opened on the same dir
// share the database the way two processes would.
func OpenEngine(t testing.TB, kind, dir string) kv.Engine {
	t.Helper()
	switch kind {
	case "pebble":
		e, err := pebblekv.Open(dir, pebblekv.Options{})
		require.NoError(t, err)
		return e
	case "sqlite":
		e, err := sqlitekv.Open(filepath.Join(dir, "viewdb.sqlite"), sqlitekv.Options{})
		require.NoError(t, err)
		return e
	}
	t.Fatalf("unknown engine %q", kind)
	return nil
}

// OpenStoreAt opens a store on dir and closes it when the test ends,
// unless the test closed it already.
func OpenStoreAt(t testing.TB, kind, dir string) *store.Store {
	t.Helper()
	s, err := store.Open(OpenEngine(t, kind, dir), store.Options{Logger: Logger()})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil && !errors.Is(err, viewdb_errors.ErrClosed) {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

// OpenStore opens a store in a fresh temporary directory.
func OpenStore(t testing.TB, kind string) *store.Store {
	t.Helper()
	return OpenStoreAt(t, kind, t.TempDir())
}

// ForEachEngine runs fn as a subtest per engine.
func ForEachEngine(t *testing.T, fn func(t *testing.T, kind string)) {
	for _, kind := range Engines {
		t.Run(kind, func(t *testing.T) {
			fn(t, kind)
		})
	}
}
