package model

import "fmt"

// TableIdentity uniquely identifies a table across the protocol surface.
// It is comparable and used directly as a map key.
type TableIdentity struct {
	DatabaseID uint32
	TableID    uint32
}

// String renders the identity as "database_id.table_id"
func (t TableIdentity) String() string {
	return fmt.Sprintf("%d.%d", t.DatabaseID, t.TableID)
}

// ColumnSpec describes one source column by name and relational type name
type ColumnSpec struct {
	Name     string
	TypeName string
}

// TableInfo is one row of a table listing
type TableInfo struct {
	Identity        TableIdentity
	Name            string
	Cardinality     uint64
	CommitLSN       uint64
	FlushLSN        *uint64 // nil until the first snapshot is published
	StorageLocation string
}

// FileActionKind distinguishes add and remove actions
type FileActionKind uint8

const (
	FileActionAdd    FileActionKind = 1
	FileActionRemove FileActionKind = 2
)

// FileAction describes a data file joining or leaving a table's active set
type FileAction struct {
	Kind       FileActionKind
	Path       string
	SizeBytes  int64
	NumRecords *int64 // optional row count, only meaningful for adds
}

// AddFile builds an add action
func AddFile(path string, size int64) FileAction {
	return FileAction{Kind: FileActionAdd, Path: path, SizeBytes: size}
}

// RemoveFile builds a remove action
func RemoveFile(path string) FileAction {
	return FileAction{Kind: FileActionRemove, Path: path}
}

// ScanFile is a data file visible to a scan
type ScanFile struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	NumRecords *int64 `json:"num_records,omitempty"`
}

// ScanState is the materialized view of a table handed to a scan.
// It is serialized into the scan buffer returned by ScanTableBegin.
type ScanState struct {
	DatabaseID uint32     `json:"database_id"`
	TableID    uint32     `json:"table_id"`
	Location   string     `json:"location"`
	LSN        uint64     `json:"lsn"`
	Version    int64      `json:"version"`
	Files      []ScanFile `json:"files"`
}

// OptimizeMode selects the maintenance work done by OptimizeTable
type OptimizeMode string

const (
	OptimizeModeData  OptimizeMode = "data"
	OptimizeModeIndex OptimizeMode = "index"
	OptimizeModeFull  OptimizeMode = "full"
)

// ParseOptimizeMode validates an optimize mode string
func ParseOptimizeMode(s string) (OptimizeMode, bool) {
	switch OptimizeMode(s) {
	case OptimizeModeData, OptimizeModeIndex, OptimizeModeFull:
		return OptimizeMode(s), true
	default:
		return "", false
	}
}
