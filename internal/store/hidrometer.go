package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Key is the blob key holding the cumulative volume.
const Key = "hidrometro"

// valueSize is the width of the stored value: a little-endian float64.
const valueSize = 8

// DefaultCommitTimeout bounds how long a cycle waits on one write.
const DefaultCommitTimeout = 2 * time.Second

var (
	// ErrCommitTimeout is returned when a write did not finish in time.
	// The write keeps running in the background.
	ErrCommitTimeout = errors.New("store: commit timed out")

	// ErrWriteInFlight is returned while a previous timed-out write is still
	// blocked in the engine.
	ErrWriteInFlight = errors.New("store: previous write still in flight")
)

// Hidrometer persists the cumulative volume under Key.
//
// A Hidrometer built without a namespace runs in memory-only mode: Load
// returns 0 and Save/Reset do nothing until restart.
type Hidrometer struct {
	ns      Namespace
	timeout time.Duration
	log     *zap.Logger

	inflight atomic.Bool
	warnOnce sync.Once
}

// NewHidrometer wraps ns. A nil ns selects memory-only mode. A timeout of
// zero lets writes block for as long as the engine does.
func NewHidrometer(ns Namespace, timeout time.Duration, logger *zap.Logger) *Hidrometer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hidrometer{
		ns:      ns,
		timeout: timeout,
		log:     logger,
	}
}

// Ready reports whether writes reach durable storage.
func (h *Hidrometer) Ready() bool {
	return h.ns != nil
}

// Load returns the persisted volume in liters. Absent, corrupt or unreadable
// values all yield 0.
func (h *Hidrometer) Load(ctx context.Context) float64 {
	if !h.Ready() {
		h.log.Warn("store not initialized, starting at 0")
		return 0
	}

	var raw []byte
	err := h.do(ctx, func() error {
		var gerr error
		raw, gerr = h.ns.GetBlob(Key)
		return gerr
	})
	switch {
	case errors.Is(err, ErrNotFound):
		h.log.Warn("no saved value, starting at 0")
		return 0
	case err != nil:
		h.log.Error("read hidrometer failed, starting at 0", zap.Error(err))
		return 0
	}

	liters, err := decode(raw)
	if err != nil {
		h.log.Error("stored value corrupt, starting at 0", zap.Error(err))
		return 0
	}
	h.log.Info("hidrometer recovered", zap.Float64("liters", liters))
	return liters
}

// Save writes liters and commits it.
func (h *Hidrometer) Save(ctx context.Context, liters float64) error {
	if !h.Ready() {
		h.warnDisabled()
		return nil
	}
	return h.do(ctx, func() error { return h.write(liters) })
}

// Reset writes a canonical zero and commits it.
func (h *Hidrometer) Reset(ctx context.Context) error {
	if !h.Ready() {
		h.warnDisabled()
		return nil
	}
	if err := h.do(ctx, func() error { return h.write(0) }); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.log.Info("hidrometer reset to 0.0 L")
	return nil
}

// Close releases the namespace. The Hidrometer must not be used afterwards.
//
// While a timed-out write is still stuck in the engine the namespace is left
// open and ErrWriteInFlight is returned, since closing would wait on it.
func (h *Hidrometer) Close() error {
	if !h.Ready() {
		return nil
	}
	if h.inflight.Load() {
		h.log.Warn("write still in flight, leaving store open")
		return ErrWriteInFlight
	}
	return h.ns.Close()
}

func (h *Hidrometer) write(liters float64) error {
	if err := h.ns.SetBlob(Key, encode(liters)); err != nil {
		return fmt.Errorf("set %s: %w", Key, err)
	}
	if err := h.ns.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", Key, err)
	}
	return nil
}

// do runs fn, bounded by the commit timeout when one is configured. At most
// one fn is outstanding; a stuck engine makes later calls fail fast.
func (h *Hidrometer) do(ctx context.Context, fn func() error) error {
	if h.timeout <= 0 {
		return fn()
	}
	if !h.inflight.CompareAndSwap(false, true) {
		return ErrWriteInFlight
	}

	done := make(chan error, 1)
	go func() {
		err := fn()
		h.inflight.Store(false)
		done <- err
	}()

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrCommitTimeout, h.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hidrometer) warnDisabled() {
	h.warnOnce.Do(func() {
		h.log.Warn("store not initialized, persistence disabled until restart")
	})
}

func encode(liters float64) []byte {
	buf := make([]byte, valueSize)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(liters))
	return buf
}

func decode(raw []byte) (float64, error) {
	if len(raw) != valueSize {
		return 0, fmt.Errorf("unexpected size %d (want %d)", len(raw), valueSize)
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(raw))
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("invalid value %v", v)
	}
	return v, nil
}
