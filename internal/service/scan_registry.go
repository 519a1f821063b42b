package service

import (
	"sync"
	"sync/atomic"

	"github.com/devrev/lakelink/internal/config"
	"github.com/devrev/lakelink/internal/model"
)

// ScanRegistry holds the scan buffers of open scans, one per table identity.
// A buffer stays alive until it is removed, replaced or released.
type ScanRegistry struct {
	mu       sync.Mutex
	scans    map[model.TableIdentity]scanEntry
	onChange func(delta int)
}

type scanEntry struct {
	data  []byte
	owner uint64
}

// NewScanRegistry creates an empty registry. onChange, if set, receives the
// change in the number of held buffers.
func NewScanRegistry(onChange func(delta int)) *ScanRegistry {
	return &ScanRegistry{
		scans:    make(map[model.TableIdentity]scanEntry),
		onChange: onChange,
	}
}

// Put stores data for id, replacing any open scan of the same table
func (r *ScanRegistry) Put(id model.TableIdentity, data []byte) (replaced bool) {
	return r.put(0, id, data)
}

func (r *ScanRegistry) put(owner uint64, id model.TableIdentity, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.scans[id]
	r.scans[id] = scanEntry{data: data, owner: owner}
	if !replaced {
		r.notify(1)
	}
	return replaced
}

// Get returns the buffer held for id
func (r *ScanRegistry) Get(id model.TableIdentity) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scans[id]
	return entry.data, ok
}

// Remove releases the buffer held for id. Removing an absent scan is a no-op.
func (r *ScanRegistry) Remove(id model.TableIdentity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.scans[id]; !ok {
		return false
	}
	delete(r.scans, id)
	r.notify(-1)
	return true
}

// Len returns the number of held buffers
func (r *ScanRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scans)
}

// ReleaseAll drops every buffer and returns how many were held
func (r *ScanRegistry) ReleaseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.scans)
	r.scans = make(map[model.TableIdentity]scanEntry)
	r.notify(-n)
	return n
}

// releaseOwner drops the buffers still owned by owner
func (r *ScanRegistry) releaseOwner(owner uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, entry := range r.scans {
		if entry.owner == owner {
			delete(r.scans, id)
			n++
		}
	}
	r.notify(-n)
	return n
}

func (r *ScanRegistry) notify(delta int) {
	if r.onChange != nil && delta != 0 {
		r.onChange(delta)
	}
}

// ScanScope hands out per-connection views of scan state. In connection
// scope every session gets its own registry. In process scope all sessions
// share one registry and a session releases only the scans it opened last.
type ScanScope struct {
	mode     string
	shared   *ScanRegistry
	onChange func(delta int)
	nextID   atomic.Uint64
}

// NewScanScope creates a scope for config.ScanScopeConnection or config.ScanScopeProcess
func NewScanScope(mode string, onChange func(delta int)) *ScanScope {
	s := &ScanScope{mode: mode, onChange: onChange}
	if mode == config.ScanScopeProcess {
		s.shared = NewScanRegistry(onChange)
	}
	return s
}

// Shared returns the process-wide registry, or nil in connection scope
func (s *ScanScope) Shared() *ScanRegistry {
	return s.shared
}

// Open starts a session view
func (s *ScanScope) Open() *ScanSession {
	id := s.nextID.Add(1)
	if s.shared != nil {
		return &ScanSession{id: id, registry: s.shared}
	}
	return &ScanSession{id: id, registry: NewScanRegistry(s.onChange), private: true}
}

// ScanSession is the scan state visible to one connection
type ScanSession struct {
	id       uint64
	registry *ScanRegistry
	private  bool
}

// Begin stores the buffer of a new scan
func (s *ScanSession) Begin(id model.TableIdentity, data []byte) {
	s.registry.put(s.id, id, data)
}

// End releases the scan of id; absent scans are ignored
func (s *ScanSession) End(id model.TableIdentity) bool {
	return s.registry.Remove(id)
}

// Len returns the number of scans visible to the session
func (s *ScanSession) Len() int {
	return s.registry.Len()
}

// Close releases the scans this session still owns
func (s *ScanSession) Close() int {
	if s.private {
		return s.registry.ReleaseAll()
	}
	return s.registry.releaseOwner(s.id)
}
