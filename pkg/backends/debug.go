package backends

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "mirror"),
	}
}

func (d *Debug) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := d.backend.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		d.logger.Debug("mirror get: miss", "key", key)
	case err != nil:
		d.logger.Debug("mirror get: error", "key", key, "error", err)
	default:
		d.logger.Debug("mirror get: hit", "key", key)
	}
	return rc, err
}

func (d *Debug) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	d.logger.Debug("mirror put", "key", key, "size", size)
	err := d.backend.Put(ctx, key, body, size)
	if err != nil {
		d.logger.Debug("mirror put: error", "key", key, "error", err)
	}
	return err
}

func (d *Debug) Close() error {
	d.logger.Debug("mirror close")
	return d.backend.Close()
}
