// Package journal keeps a history of finished listener sessions.
//
// The [Recorder] observes the pipeline and forwards every closed session to a
// [Store] from a background goroutine, so a slow or unavailable database never
// delays session teardown. Two stores are provided: [MemStore], a bounded
// in-memory ring used when no database is configured, and [PostgresStore].
package journal

import (
	"context"

	"github.com/MrWong99/audiocast/internal/pipeline"
)

// Store persists finished sessions.
type Store interface {
	// Record stores one finished session.
	Record(ctx context.Context, info pipeline.SessionInfo) error

	// Recent returns up to limit sessions, most recently closed first.
	Recent(ctx context.Context, limit int) ([]pipeline.SessionInfo, error)
}
