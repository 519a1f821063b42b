package deltalog

import (
	"sort"
)

// Snapshot is the table state after replaying the log up to Version.
// A snapshot is never mutated once returned.
type Snapshot struct {
	version  int64
	protocol *Protocol
	metadata *Metadata
	files    map[string]*Add
	txns     map[string]int64
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		version: -1,
		files:   make(map[string]*Add),
		txns:    make(map[string]int64),
	}
}

func (s *Snapshot) Version() int64      { return s.version }
func (s *Snapshot) Protocol() *Protocol { return s.protocol }
func (s *Snapshot) Metadata() *Metadata { return s.metadata }
func (s *Snapshot) NumFiles() int       { return len(s.files) }

// Files returns the active data files sorted by path
func (s *Snapshot) Files() []Add {
	out := make([]Add, 0, len(s.files))
	for _, add := range s.files {
		out = append(out, *add)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// File looks up an active data file
func (s *Snapshot) File(path string) (Add, bool) {
	add, ok := s.files[path]
	if !ok {
		return Add{}, false
	}
	return *add, true
}

// TxnVersion returns the last committed version for an application id
func (s *Snapshot) TxnVersion(appID string) (int64, bool) {
	v, ok := s.txns[appID]
	return v, ok
}

// NumRecords sums numRecords over active files. complete is false when
// at least one file carries no stats.
func (s *Snapshot) NumRecords() (total int64, complete bool) {
	complete = true
	for _, add := range s.files {
		n, ok := add.NumRecords()
		if !ok {
			complete = false
			continue
		}
		total += n
	}
	return total, complete
}

func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		version:  s.version,
		protocol: s.protocol,
		metadata: s.metadata,
		files:    make(map[string]*Add, len(s.files)),
		txns:     make(map[string]int64, len(s.txns)),
	}
	for k, v := range s.files {
		out.files[k] = v
	}
	for k, v := range s.txns {
		out.txns[k] = v
	}
	return out
}

func (s *Snapshot) apply(version int64, actions []Action) {
	for _, action := range actions {
		switch {
		case action.Protocol != nil:
			s.protocol = action.Protocol
		case action.Metadata != nil:
			s.metadata = action.Metadata
		case action.Add != nil:
			add := *action.Add
			s.files[add.Path] = &add
		case action.Remove != nil:
			delete(s.files, action.Remove.Path)
		case action.Txn != nil:
			s.txns[action.Txn.AppID] = action.Txn.Version
		}
	}
	s.version = version
}
