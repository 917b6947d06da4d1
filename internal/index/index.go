// Package index is the typed query layer over the archive index database.
// It owns all entity/storage/entry/history queries the server core issues
// and provides the handle/interrupt mechanism the command dispatcher uses to
// abort long-running queries on behalf of clients.
//
// Callers never hold the job-list lock while calling into this package; the
// snapshot-then-release pattern is enforced by the callers themselves.
package index

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/barkeep-io/barkeep/internal/barerr"
)

// Index wraps the gorm handle of the index database. A nil *Index (no index
// configured) is a valid value: every Open fails with DatabaseIndexNotFound.
type Index struct {
	db  *gorm.DB
	log *zap.Logger
}

// New creates the Index capability over an opened database.
func New(database *gorm.DB, logger *zap.Logger) *Index {
	return &Index{
		db:  database,
		log: logger.Named("index"),
	}
}

// Initialized reports whether an index database is configured and reachable.
func (ix *Index) Initialized() bool {
	return ix != nil && ix.db != nil
}

// Handle is one opened index handle. Session workers hold one handle each
// for the session's lifetime; background threads open their own. A handle
// does not serialize its queries: it tracks the cancel func of the most
// recently begun query, and Interrupt cancels that query.
type Handle struct {
	ix *Index

	mu      sync.Mutex
	cancel  context.CancelFunc // cancels the in-flight query, nil when idle
}

// Open returns a new handle, or DatabaseIndexNotFound when no index is
// configured.
func (ix *Index) Open() (*Handle, error) {
	if !ix.Initialized() {
		return nil, barerr.New(barerr.CodeDatabaseIndexNotFound, "no index database configured")
	}
	return &Handle{ix: ix}, nil
}

// Close releases the handle. The underlying connection pool is shared, so
// this only interrupts any query still in flight.
func (h *Handle) Close() {
	h.Interrupt()
}

// Interrupt cancels the query currently executing on this handle, if any.
// The interrupted call returns an error carrying CodeInterrupted.
func (h *Handle) Interrupt() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// begin installs a cancellable context for one query.
func (h *Handle) begin(ctx context.Context) context.Context {
	qctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	return qctx
}

// end clears the in-flight cancel func.
func (h *Handle) end() {
	h.mu.Lock()
	h.cancel = nil
	h.mu.Unlock()
}

// run executes fn with an interruptible context and maps cancellation to
// CodeInterrupted.
func (h *Handle) run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	qctx := h.begin(ctx)
	defer h.end()

	err := fn(h.ix.db.WithContext(qctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(qctx.Err(), context.Canceled) {
		return barerr.New(barerr.CodeInterrupted, "index query interrupted")
	}
	return err
}

// notFound maps gorm.ErrRecordNotFound to the wire kind the caller expects.
func notFound(err error, code barerr.Code, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return barerr.New(code, format, args...)
	}
	return err
}
