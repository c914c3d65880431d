package runtime

import (
	"context"
	"errors"

	cfgpkg "github.com/rzbill/evpipe/internal/config"
	pebblestore "github.com/rzbill/evpipe/internal/storage/pebble"
	"github.com/rzbill/evpipe/internal/stream"
	"github.com/rzbill/evpipe/internal/stream/pebblelog"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
}

// Runtime wires storage, config, and the stream backend for a single-node
// instance. All pipeline actors in one process share the Runtime's Log.
type Runtime struct {
	db     *pebblestore.DB
	log    *pebblelog.Backend
	config cfgpkg.Config
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	if opts.DataDir == "" {
		opts.DataDir = opts.Config.DataDir
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync})
	if err != nil {
		return nil, err
	}
	return &Runtime{db: db, log: pebblelog.Open(db), config: opts.Config}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// Log returns the shared ordered-log backend.
func (r *Runtime) Log() stream.Log { return r.log }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
