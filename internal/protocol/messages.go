package protocol

import "github.com/devrev/lakelink/internal/model"

// RequestTag is the stable wire tag of a request variant
type RequestTag uint32

const (
	TagCreateTable    RequestTag = 1
	TagDropTable      RequestTag = 2
	TagCreateSnapshot RequestTag = 3
	TagScanTableBegin RequestTag = 4
	TagScanTableEnd   RequestTag = 5
	TagListTables     RequestTag = 6
	TagLoadFiles      RequestTag = 7
	TagOptimizeTable  RequestTag = 8
)

var requestTagNames = map[RequestTag]string{
	TagCreateTable:    "create_table",
	TagDropTable:      "drop_table",
	TagCreateSnapshot: "create_snapshot",
	TagScanTableBegin: "scan_table_begin",
	TagScanTableEnd:   "scan_table_end",
	TagListTables:     "list_tables",
	TagLoadFiles:      "load_files",
	TagOptimizeTable:  "optimize_table",
}

func (t RequestTag) String() string {
	if name, ok := requestTagNames[t]; ok {
		return name
	}
	return "unknown"
}

// Request is the closed set of messages a client may send.
// The set is sealed by the unexported method.
type Request interface {
	Tag() RequestTag
	isRequest()
}

// CreateTable asks the service to mirror SourceTable into a new lake table.
// DestinationURI and SourceURI are database connection URIs.
type CreateTable struct {
	Identity       model.TableIdentity
	DestinationURI string
	SourceTable    string
	SourceURI      string
}

// DropTable removes a lake table
type DropTable struct {
	Identity model.TableIdentity
}

// CreateSnapshot publishes everything durable as of LSN
type CreateSnapshot struct {
	Identity model.TableIdentity
	LSN      uint64
}

// ScanTableBegin opens a scan visible at or after LSN
type ScanTableBegin struct {
	Identity model.TableIdentity
	LSN      uint64
}

// ScanTableEnd releases the scan opened for Identity
type ScanTableEnd struct {
	Identity model.TableIdentity
}

// ListTables enumerates tables of DatabaseID, or of every database when zero
type ListTables struct {
	DatabaseID uint32
}

// LoadFiles appends existing data files to a table
type LoadFiles struct {
	Identity  model.TableIdentity
	FilePaths []string
}

// OptimizeTable runs maintenance on a table
type OptimizeTable struct {
	Identity model.TableIdentity
	Mode     string
}

func (CreateTable) Tag() RequestTag    { return TagCreateTable }
func (DropTable) Tag() RequestTag      { return TagDropTable }
func (CreateSnapshot) Tag() RequestTag { return TagCreateSnapshot }
func (ScanTableBegin) Tag() RequestTag { return TagScanTableBegin }
func (ScanTableEnd) Tag() RequestTag   { return TagScanTableEnd }
func (ListTables) Tag() RequestTag     { return TagListTables }
func (LoadFiles) Tag() RequestTag      { return TagLoadFiles }
func (OptimizeTable) Tag() RequestTag  { return TagOptimizeTable }

func (CreateTable) isRequest()    {}
func (DropTable) isRequest()      {}
func (CreateSnapshot) isRequest() {}
func (ScanTableBegin) isRequest() {}
func (ScanTableEnd) isRequest()   {}
func (ListTables) isRequest()     {}
func (LoadFiles) isRequest()      {}
func (OptimizeTable) isRequest()  {}

// ResponseTag is the stable wire tag of a response variant
type ResponseTag uint32

const (
	TagUnit    ResponseTag = 1
	TagBytes   ResponseTag = 2
	TagTables  ResponseTag = 3
	TagFailure ResponseTag = 4
)

// Response is the closed set of messages the service may send back
type Response interface {
	Tag() ResponseTag
	isResponse()
}

// Unit is an empty success
type Unit struct{}

// Bytes carries an opaque buffer, e.g. a scan state
type Bytes struct {
	Data []byte
}

// Tables carries a table listing
type Tables struct {
	Tables []model.TableInfo
}

// Failure reports an application error. Code is an errors.ErrorCode.
type Failure struct {
	Code    uint32
	Message string
}

func (Unit) Tag() ResponseTag    { return TagUnit }
func (Bytes) Tag() ResponseTag   { return TagBytes }
func (Tables) Tag() ResponseTag  { return TagTables }
func (Failure) Tag() ResponseTag { return TagFailure }

func (Unit) isResponse()    {}
func (Bytes) isResponse()   {}
func (Tables) isResponse()  {}
func (Failure) isResponse() {}
