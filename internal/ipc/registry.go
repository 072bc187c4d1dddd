// Package ipc keeps the machine-wide table of device memory exports. One
// Registry is shared by every process attached to the same driver; processes
// are identified by their device-subsystem pid.
package ipc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fxnlabs/aclrt/internal/device"
	"github.com/fxnlabs/aclrt/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("export key not found")
	ErrNotAuthorized   = errors.New("process not authorized for export")
	ErrAlreadyExported = errors.New("memory already exported")
	ErrKeyInUse        = errors.New("export key already in use")
	ErrInvalidKey      = errors.New("invalid export key")
	ErrHandleClosed    = errors.New("imported handle is closed")
)

// Policy decides who may import an export whose whitelist is empty.
type Policy int

const (
	// PolicyClosed admits only the exporting process.
	PolicyClosed Policy = iota
	// PolicyOpen admits every process.
	PolicyOpen
)

// ParsePolicy maps the configuration spelling onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "closed", "":
		return PolicyClosed, nil
	case "open":
		return PolicyOpen, nil
	default:
		return 0, fmt.Errorf("unknown ipc policy %q", s)
	}
}

// record is one live export. Its mutex serializes whitelist updates, imports
// and close for that key; different keys never contend on it.
type record struct {
	mu         sync.Mutex
	key        string
	generation uint64
	owner      uint32
	buf        *device.Buffer
	whitelist  map[uint32]struct{}
	imports    int
	closed     bool
}

// Registry is the export/import table.
type Registry struct {
	logger       *zap.Logger
	policy       Policy
	maxKeyLength int

	mu       sync.RWMutex
	records  map[string]*record
	byBuffer map[uint64]*record

	generation atomic.Uint64
}

// NewRegistry creates an empty table. maxKeyLength bounds the number of
// significant bytes in a key.
func NewRegistry(policy Policy, maxKeyLength int, logger *zap.Logger) *Registry {
	return &Registry{
		logger:       logger.Named("ipc"),
		policy:       policy,
		maxKeyLength: maxKeyLength,
		records:      make(map[string]*record),
		byBuffer:     make(map[uint64]*record),
	}
}

func (r *Registry) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > r.maxKeyLength {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidKey, len(key), r.maxKeyLength)
	}
	if strings.IndexByte(key, 0) >= 0 {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidKey)
	}
	return nil
}

// Export publishes buf under name. An empty name asks the registry to
// generate one. The exporting process becomes the owner of the key.
func (r *Registry) Export(owner uint32, buf *device.Buffer, name string) (string, error) {
	if buf == nil || buf.Freed() {
		return "", fmt.Errorf("%w: buffer is not live device memory", device.ErrBufferFreed)
	}
	if name == "" {
		name = "aclrt-ipc-" + uuid.NewString()
	}
	if err := r.validateKey(name); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byBuffer[buf.ID()]; ok {
		return "", fmt.Errorf("%w: buffer %d is exported as %q", ErrAlreadyExported, buf.ID(), existing.key)
	}
	if _, ok := r.records[name]; ok {
		return "", fmt.Errorf("%w: %q", ErrKeyInUse, name)
	}
	rec := &record{
		key:        name,
		generation: r.generation.Add(1),
		owner:      owner,
		buf:        buf,
		whitelist:  make(map[uint32]struct{}),
	}
	r.records[name] = rec
	r.byBuffer[buf.ID()] = rec
	metrics.IPCExportsActive.Inc()

	r.logger.Info("memory exported",
		zap.String("key", name),
		zap.Uint32("pid", owner),
		zap.Int("device", buf.Device()),
		zap.Int64("bytes", buf.Size()))
	return name, nil
}

func (r *Registry) lookup(key string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return rec, nil
}

// SetImportWhitelist adds pids to the set of processes allowed to import
// key. Only the owner may call it; repeated calls accumulate.
func (r *Registry) SetImportWhitelist(caller uint32, key string, pids ...uint32) error {
	rec, err := r.lookup(key)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if caller != rec.owner {
		return fmt.Errorf("%w: pid %d does not own %q", ErrNotAuthorized, caller, key)
	}
	for _, pid := range pids {
		rec.whitelist[pid] = struct{}{}
	}
	r.logger.Debug("import whitelist updated",
		zap.String("key", key),
		zap.Uint32s("added", pids),
		zap.Int("size", len(rec.whitelist)))
	return nil
}

// admits reports whether pid may import rec (must hold rec.mu). The owner is
// always admitted, whatever the whitelist holds.
func (r *Registry) admits(rec *record, pid uint32) bool {
	if pid == rec.owner {
		return true
	}
	if len(rec.whitelist) == 0 {
		return r.policy == PolicyOpen
	}
	_, ok := rec.whitelist[pid]
	return ok
}

// Import resolves key for process pid. The returned handle refers to the
// exporter's physical memory until the export is closed.
func (r *Registry) Import(key string, pid uint32) (*Handle, error) {
	rec, err := r.lookup(key)
	if err != nil {
		metrics.IPCImports.WithLabelValues("not_found").Inc()
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		metrics.IPCImports.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if !r.admits(rec, pid) {
		metrics.IPCImports.WithLabelValues("not_authorized").Inc()
		r.logger.Warn("import rejected", zap.String("key", key), zap.Uint32("pid", pid))
		return nil, fmt.Errorf("%w: pid %d is not whitelisted for %q", ErrNotAuthorized, pid, key)
	}
	rec.imports++
	metrics.IPCImports.WithLabelValues("ok").Inc()
	r.logger.Debug("memory imported", zap.String("key", key), zap.Uint32("pid", pid))
	return &Handle{rec: rec, generation: rec.generation, pid: pid}, nil
}

// Close revokes an export. Handles imported from it stop resolving. Only the
// owner may close; closing twice reports ErrNotFound.
func (r *Registry) Close(caller uint32, key string) error {
	rec, err := r.lookup(key)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.closed {
		rec.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if caller != rec.owner {
		rec.mu.Unlock()
		return fmt.Errorf("%w: pid %d does not own %q", ErrNotAuthorized, caller, key)
	}
	rec.closed = true
	rec.mu.Unlock()

	r.remove(rec)
	return nil
}

// CloseBuffer revokes the export of buf, if any. Used when exported memory is
// freed out from under its importers.
func (r *Registry) CloseBuffer(buf *device.Buffer) {
	r.mu.RLock()
	rec, ok := r.byBuffer[buf.ID()]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	already := rec.closed
	rec.closed = true
	rec.mu.Unlock()
	if !already {
		r.remove(rec)
	}
}

// CloseOwnedBy revokes every export owned by pid and returns how many were
// closed.
func (r *Registry) CloseOwnedBy(pid uint32) int {
	r.mu.RLock()
	var owned []*record
	for _, rec := range r.records {
		if rec.owner == pid {
			owned = append(owned, rec)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, rec := range owned {
		rec.mu.Lock()
		already := rec.closed
		rec.closed = true
		rec.mu.Unlock()
		if !already {
			r.remove(rec)
			n++
		}
	}
	return n
}

func (r *Registry) remove(rec *record) {
	r.mu.Lock()
	// A new export may already have reused the name; only drop our own entry.
	if cur, ok := r.records[rec.key]; ok && cur == rec {
		delete(r.records, rec.key)
	}
	if cur, ok := r.byBuffer[rec.buf.ID()]; ok && cur == rec {
		delete(r.byBuffer, rec.buf.ID())
	}
	r.mu.Unlock()
	metrics.IPCExportsActive.Dec()
	r.logger.Info("export closed", zap.String("key", rec.key), zap.Int("imports", rec.imports))
}

// Stats is a point-in-time view of the table.
type Stats struct {
	Exports int
	Imports int
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for _, rec := range r.records {
		s.Exports++
		rec.mu.Lock()
		s.Imports += rec.imports
		rec.mu.Unlock()
	}
	return s
}

// Handle is an importing process's reference to exported memory.
type Handle struct {
	rec        *record
	generation uint64
	pid        uint32
	released   atomic.Bool
}

func (h *Handle) Key() string { return h.rec.key }

// Buffer returns the physical memory behind the handle, or an error once the
// export has been closed or the handle released.
func (h *Handle) Buffer() (*device.Buffer, error) {
	if h.released.Load() {
		return nil, ErrHandleClosed
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.closed || h.rec.generation != h.generation {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, h.rec.key)
	}
	return h.rec.buf, nil
}

// Release drops this process's import. The export itself stays open.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}
	h.rec.mu.Lock()
	h.rec.imports--
	h.rec.mu.Unlock()
	return nil
}
