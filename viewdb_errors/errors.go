// Provides common viewdb errors definitions.
package viewdb_errors

import "errors"

var (
	ErrUnknownView   = errors.New("viewdb: no such view")
	ErrViewNotReady  = errors.New("viewdb: view is not ready")
	ErrBuildFailure  = errors.New("viewdb: view build failed")
	ErrRecordUnknown = errors.New("viewdb: unknown record")
	ErrBadRecord     = errors.New("viewdb: bad record encoding")
	ErrClosed        = errors.New("viewdb: store is closed")
	ErrBadDefinition = errors.New("viewdb: bad view definition")
)
