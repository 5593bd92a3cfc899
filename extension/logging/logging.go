// Package logging provides an Extension that logs Stack lifecycle events
// (updates, evictions, flushes) and the duration of each refresh, with key
// redaction and sampling so a hot key doesn't flood the log.
package logging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/danielmarbach/cachetower"
)

// Options configures Extension.
type Options struct {
	// UpdateEvery samples OnUpdate; 0 or 1 logs every update.
	UpdateEvery uint64
	// Redact maps a cache key to the string that is actually logged.
	// Defaults to an 8-byte SHA-256 prefix, so raw keys never hit the log.
	Redact func(string) string
}

// Extension logs through l. It implements every Extension hook; embed
// cachetower.NopExtension is unnecessary since all hooks are defined here.
type Extension struct {
	l    cachetower.Logger
	opts Options

	updateCtr atomic.Uint64
}

var _ cachetower.Extension = (*Extension)(nil)

// New returns a logging Extension. l must not be nil.
func New(l cachetower.Logger, opts Options) *Extension {
	return &Extension{l: l, opts: opts}
}

func (e *Extension) redact(key string) string {
	if e.opts.Redact != nil {
		return e.opts.Redact(key)
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (e *Extension) Attach(stack cachetower.Disposer) {}

// WithRefresh times the factory call and logs its outcome. It does not
// change the result; it's purely observational.
func (e *Extension) WithRefresh(ctx context.Context, key string, next cachetower.RefreshFunc[any], settings cachetower.Settings) (any, error) {
	start := time.Now()
	v, err := next(ctx, nil)
	dur := time.Since(start)
	if err != nil {
		e.l.Warn("cachetower.refresh_failed", cachetower.Fields{"key": e.redact(key), "duration_ms": dur.Milliseconds(), "err": err})
		return v, err
	}
	e.l.Debug("cachetower.refresh_ok", cachetower.Fields{"key": e.redact(key), "duration_ms": dur.Milliseconds()})
	return v, nil
}

func (e *Extension) OnUpdate(ctx context.Context, key string, expiry time.Time, updateType cachetower.UpdateType) {
	if !sample(e.opts.UpdateEvery, &e.updateCtr) {
		return
	}
	e.l.Debug("cachetower.update", cachetower.Fields{"key": e.redact(key), "expiry": expiry, "type": updateType.String()})
}

func (e *Extension) OnEviction(ctx context.Context, key string) {
	e.l.Debug("cachetower.eviction", cachetower.Fields{"key": e.redact(key)})
}

func (e *Extension) OnFlush(ctx context.Context) {
	e.l.Info("cachetower.flush", cachetower.Fields{})
}

func (e *Extension) Close(ctx context.Context) error { return nil }
