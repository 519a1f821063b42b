package deltalog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// MinReaderVersion and MinWriterVersion are written into every new table
	MinReaderVersion = 3
	MinWriterVersion = 7

	// EngineInfo tags every commit written by this service
	EngineInfo = "lakelink"

	OperationCreateTable = "CREATE TABLE"
	OperationWrite       = "WRITE"
	OperationTxn         = "SET TRANSACTION"

	ModeAppend = "Append"
)

// Protocol is the protocol action
type Protocol struct {
	MinReaderVersion int      `json:"minReaderVersion"`
	MinWriterVersion int      `json:"minWriterVersion"`
	ReaderFeatures   []string `json:"readerFeatures"`
	WriterFeatures   []string `json:"writerFeatures"`
}

// Format names the data file format
type Format struct {
	Provider string            `json:"provider"`
	Options  map[string]string `json:"options"`
}

// Metadata is the metaData action
type Metadata struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	Format           Format            `json:"format"`
	SchemaString     string            `json:"schemaString"`
	PartitionColumns []string          `json:"partitionColumns"`
	CreatedTime      int64             `json:"createdTime"`
	Configuration    map[string]string `json:"configuration"`
}

// Schema decodes the stored schema string
func (m *Metadata) Schema() (Schema, error) {
	return ParseSchema(m.SchemaString)
}

// CommitInfo describes the operation that produced an entry
type CommitInfo struct {
	Timestamp           int64             `json:"timestamp"`
	Operation           string            `json:"operation"`
	OperationParameters map[string]string `json:"operationParameters"`
	EngineInfo          string            `json:"engineInfo"`
	TxnID               string            `json:"txnId,omitempty"`
}

// FileStats is the subset of column statistics carried on add actions
type FileStats struct {
	NumRecords int64 `json:"numRecords"`
}

// Add registers a data file with the table
type Add struct {
	Path             string            `json:"path"`
	PartitionValues  map[string]string `json:"partitionValues"`
	Size             int64             `json:"size"`
	ModificationTime int64             `json:"modificationTime"`
	DataChange       bool              `json:"dataChange"`
	Stats            string            `json:"stats,omitempty"`
}

// NumRecords returns the row count from the stats string when present
func (a *Add) NumRecords() (int64, bool) {
	if a.Stats == "" {
		return 0, false
	}
	var stats FileStats
	if err := json.Unmarshal([]byte(a.Stats), &stats); err != nil {
		return 0, false
	}
	return stats.NumRecords, true
}

// Remove drops a data file from the table
type Remove struct {
	Path              string `json:"path"`
	DeletionTimestamp int64  `json:"deletionTimestamp"`
	DataChange        bool   `json:"dataChange"`
}

// Txn records the last version an application committed
type Txn struct {
	AppID       string `json:"appId"`
	Version     int64  `json:"version"`
	LastUpdated int64  `json:"lastUpdated,omitempty"`
}

// Action is one line of a log entry; exactly one field is set
type Action struct {
	Protocol   *Protocol   `json:"protocol,omitempty"`
	Metadata   *Metadata   `json:"metaData,omitempty"`
	CommitInfo *CommitInfo `json:"commitInfo,omitempty"`
	Add        *Add        `json:"add,omitempty"`
	Remove     *Remove     `json:"remove,omitempty"`
	Txn        *Txn        `json:"txn,omitempty"`
}

// EncodeEntry renders actions as newline-delimited JSON
func EncodeEntry(actions []Action) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range actions {
		if err := enc.Encode(&actions[i]); err != nil {
			return nil, fmt.Errorf("encode action %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeEntry parses a newline-delimited JSON log entry. Blank lines are skipped.
func DecodeEntry(data []byte) ([]Action, error) {
	var actions []Action
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 64<<20)
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var action Action
		if err := json.Unmarshal(raw, &action); err != nil {
			return nil, fmt.Errorf("decode line %d: %w", line, err)
		}
		actions = append(actions, action)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}
