package protocol

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/devrev/lakelink/internal/errors"
	"github.com/devrev/lakelink/internal/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// Payloads use the protobuf wire format. Field 1 always carries the variant
// tag; integers are fixed width so encoded sizes do not depend on values.
const (
	fieldTag protowire.Number = 1

	// request fields
	fieldIdentity       protowire.Number = 2
	fieldLSN            protowire.Number = 3
	fieldDestinationURI protowire.Number = 4
	fieldSourceTable    protowire.Number = 5
	fieldSourceURI      protowire.Number = 6
	fieldFilePath       protowire.Number = 7
	fieldMode           protowire.Number = 8
	fieldDatabaseID     protowire.Number = 9

	// response fields
	fieldData    protowire.Number = 2
	fieldTable   protowire.Number = 3
	fieldCode    protowire.Number = 4
	fieldMessage protowire.Number = 5

	// identity fields
	fieldIdentityDatabase protowire.Number = 1
	fieldIdentityTable    protowire.Number = 2

	// table info fields
	fieldInfoIdentity    protowire.Number = 1
	fieldInfoName        protowire.Number = 2
	fieldInfoCardinality protowire.Number = 3
	fieldInfoCommitLSN   protowire.Number = 4
	fieldInfoFlushLSN    protowire.Number = 5
	fieldInfoLocation    protowire.Number = 6
)

// EncodeRequest encodes a request payload (without the frame header)
func EncodeRequest(req Request) ([]byte, error) {
	b := appendFixed32(nil, fieldTag, uint32(req.Tag()))

	switch r := req.(type) {
	case CreateTable:
		b = appendIdentity(b, fieldIdentity, r.Identity)
		b = appendString(b, fieldDestinationURI, r.DestinationURI)
		b = appendString(b, fieldSourceTable, r.SourceTable)
		b = appendString(b, fieldSourceURI, r.SourceURI)
	case DropTable:
		b = appendIdentity(b, fieldIdentity, r.Identity)
	case CreateSnapshot:
		b = appendIdentity(b, fieldIdentity, r.Identity)
		b = appendFixed64(b, fieldLSN, r.LSN)
	case ScanTableBegin:
		b = appendIdentity(b, fieldIdentity, r.Identity)
		b = appendFixed64(b, fieldLSN, r.LSN)
	case ScanTableEnd:
		b = appendIdentity(b, fieldIdentity, r.Identity)
	case ListTables:
		b = appendFixed32(b, fieldDatabaseID, r.DatabaseID)
	case LoadFiles:
		b = appendIdentity(b, fieldIdentity, r.Identity)
		for _, p := range r.FilePaths {
			b = appendString(b, fieldFilePath, p)
		}
	case OptimizeTable:
		b = appendIdentity(b, fieldIdentity, r.Identity)
		b = appendString(b, fieldMode, r.Mode)
	default:
		return nil, errors.InvalidArgument(fmt.Sprintf("unsupported request type %T", req), nil)
	}
	return b, nil
}

// requestFields collects every request member before the variant is known
type requestFields struct {
	tag            *uint32
	identity       *model.TableIdentity
	lsn            *uint64
	destinationURI *string
	sourceTable    *string
	sourceURI      *string
	filePaths      []string
	mode           *string
	databaseID     *uint32
}

// DecodeRequest decodes a request payload. Any malformed or unknown
// content yields a protocol violation.
func DecodeRequest(payload []byte) (Request, error) {
	var f requestFields

	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTag:
			v, n, err := consumeFixed32(typ, b)
			f.tag = &v
			return n, err
		case fieldIdentity:
			id, n, err := consumeIdentity(typ, b)
			f.identity = &id
			return n, err
		case fieldLSN:
			v, n, err := consumeFixed64(typ, b)
			f.lsn = &v
			return n, err
		case fieldDestinationURI:
			v, n, err := consumeString(typ, b)
			f.destinationURI = &v
			return n, err
		case fieldSourceTable:
			v, n, err := consumeString(typ, b)
			f.sourceTable = &v
			return n, err
		case fieldSourceURI:
			v, n, err := consumeString(typ, b)
			f.sourceURI = &v
			return n, err
		case fieldFilePath:
			v, n, err := consumeString(typ, b)
			f.filePaths = append(f.filePaths, v)
			return n, err
		case fieldMode:
			v, n, err := consumeString(typ, b)
			f.mode = &v
			return n, err
		case fieldDatabaseID:
			v, n, err := consumeFixed32(typ, b)
			f.databaseID = &v
			return n, err
		default:
			return 0, malformed("unknown request field %d", num)
		}
	})
	if err != nil {
		return nil, err
	}
	if f.tag == nil {
		return nil, malformed("request without variant tag")
	}

	switch RequestTag(*f.tag) {
	case TagCreateTable:
		if f.identity == nil || f.destinationURI == nil || f.sourceTable == nil || f.sourceURI == nil {
			return nil, malformed("create_table: missing field")
		}
		return CreateTable{
			Identity:       *f.identity,
			DestinationURI: *f.destinationURI,
			SourceTable:    *f.sourceTable,
			SourceURI:      *f.sourceURI,
		}, nil
	case TagDropTable:
		if f.identity == nil {
			return nil, malformed("drop_table: missing identity")
		}
		return DropTable{Identity: *f.identity}, nil
	case TagCreateSnapshot:
		if f.identity == nil || f.lsn == nil {
			return nil, malformed("create_snapshot: missing field")
		}
		return CreateSnapshot{Identity: *f.identity, LSN: *f.lsn}, nil
	case TagScanTableBegin:
		if f.identity == nil || f.lsn == nil {
			return nil, malformed("scan_table_begin: missing field")
		}
		return ScanTableBegin{Identity: *f.identity, LSN: *f.lsn}, nil
	case TagScanTableEnd:
		if f.identity == nil {
			return nil, malformed("scan_table_end: missing identity")
		}
		return ScanTableEnd{Identity: *f.identity}, nil
	case TagListTables:
		if f.databaseID == nil {
			return nil, malformed("list_tables: missing database id")
		}
		return ListTables{DatabaseID: *f.databaseID}, nil
	case TagLoadFiles:
		if f.identity == nil {
			return nil, malformed("load_files: missing identity")
		}
		return LoadFiles{Identity: *f.identity, FilePaths: f.filePaths}, nil
	case TagOptimizeTable:
		if f.identity == nil || f.mode == nil {
			return nil, malformed("optimize_table: missing field")
		}
		return OptimizeTable{Identity: *f.identity, Mode: *f.mode}, nil
	default:
		return nil, malformed("unknown request tag %d", *f.tag)
	}
}

// EncodeResponse encodes a response payload (without the frame header)
func EncodeResponse(resp Response) ([]byte, error) {
	b := appendFixed32(nil, fieldTag, uint32(resp.Tag()))

	switch r := resp.(type) {
	case Unit:
	case Bytes:
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	case Tables:
		for _, info := range r.Tables {
			b = protowire.AppendTag(b, fieldTable, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeTableInfo(info))
		}
	case Failure:
		b = appendFixed32(b, fieldCode, r.Code)
		b = appendString(b, fieldMessage, r.Message)
	default:
		return nil, errors.InvalidArgument(fmt.Sprintf("unsupported response type %T", resp), nil)
	}
	return b, nil
}

// DecodeResponse decodes a response payload
func DecodeResponse(payload []byte) (Response, error) {
	var (
		tag     *uint32
		data    []byte
		hasData bool
		tables  []model.TableInfo
		code    *uint32
		message *string
	)

	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTag:
			v, n, err := consumeFixed32(typ, b)
			tag = &v
			return n, err
		case fieldData:
			v, n, err := consumeBytes(typ, b)
			if len(v) > 0 {
				data = append([]byte(nil), v...)
			}
			hasData = true
			return n, err
		case fieldTable:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			info, err := decodeTableInfo(v)
			tables = append(tables, info)
			return n, err
		case fieldCode:
			v, n, err := consumeFixed32(typ, b)
			code = &v
			return n, err
		case fieldMessage:
			v, n, err := consumeString(typ, b)
			message = &v
			return n, err
		default:
			return 0, malformed("unknown response field %d", num)
		}
	})
	if err != nil {
		return nil, err
	}
	if tag == nil {
		return nil, malformed("response without variant tag")
	}

	switch ResponseTag(*tag) {
	case TagUnit:
		return Unit{}, nil
	case TagBytes:
		if !hasData {
			return nil, malformed("bytes: missing data")
		}
		return Bytes{Data: data}, nil
	case TagTables:
		return Tables{Tables: tables}, nil
	case TagFailure:
		if code == nil || message == nil {
			return nil, malformed("failure: missing field")
		}
		return Failure{Code: *code, Message: *message}, nil
	default:
		return nil, malformed("unknown response tag %d", *tag)
	}
}

// WriteRequest encodes and frames a request
func WriteRequest(w io.Writer, req Request) error {
	payload, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadRequest reads and decodes one framed request
func ReadRequest(r io.Reader) (Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeRequest(payload)
}

// WriteResponse encodes and frames a response
func WriteResponse(w io.Writer, resp Response) error {
	payload, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadResponse reads and decodes one framed response
func ReadResponse(r io.Reader) (Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(payload)
}

func encodeTableInfo(info model.TableInfo) []byte {
	b := appendIdentity(nil, fieldInfoIdentity, info.Identity)
	b = appendString(b, fieldInfoName, info.Name)
	b = appendFixed64(b, fieldInfoCardinality, info.Cardinality)
	b = appendFixed64(b, fieldInfoCommitLSN, info.CommitLSN)
	if info.FlushLSN != nil {
		b = appendFixed64(b, fieldInfoFlushLSN, *info.FlushLSN)
	}
	b = appendString(b, fieldInfoLocation, info.StorageLocation)
	return b
}

func decodeTableInfo(payload []byte) (model.TableInfo, error) {
	var info model.TableInfo
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldInfoIdentity:
			id, n, err := consumeIdentity(typ, b)
			info.Identity = id
			return n, err
		case fieldInfoName:
			v, n, err := consumeString(typ, b)
			info.Name = v
			return n, err
		case fieldInfoCardinality:
			v, n, err := consumeFixed64(typ, b)
			info.Cardinality = v
			return n, err
		case fieldInfoCommitLSN:
			v, n, err := consumeFixed64(typ, b)
			info.CommitLSN = v
			return n, err
		case fieldInfoFlushLSN:
			v, n, err := consumeFixed64(typ, b)
			info.FlushLSN = &v
			return n, err
		case fieldInfoLocation:
			v, n, err := consumeString(typ, b)
			info.StorageLocation = v
			return n, err
		default:
			return 0, malformed("unknown table info field %d", num)
		}
	})
	return info, err
}

func appendIdentity(b []byte, num protowire.Number, id model.TableIdentity) []byte {
	inner := appendFixed32(nil, fieldIdentityDatabase, id.DatabaseID)
	inner = appendFixed32(inner, fieldIdentityTable, id.TableID)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func consumeIdentity(typ protowire.Type, b []byte) (model.TableIdentity, int, error) {
	var id model.TableIdentity
	inner, n, err := consumeBytes(typ, b)
	if err != nil {
		return id, n, err
	}
	var hasDB, hasTable bool
	err = walkFields(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldIdentityDatabase:
			v, n, err := consumeFixed32(typ, b)
			id.DatabaseID, hasDB = v, true
			return n, err
		case fieldIdentityTable:
			v, n, err := consumeFixed32(typ, b)
			id.TableID, hasTable = v, true
			return n, err
		default:
			return 0, malformed("unknown identity field %d", num)
		}
	})
	if err == nil && (!hasDB || !hasTable) {
		err = malformed("incomplete table identity")
	}
	return id, n, err
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendFixed64(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walkFields iterates top-level fields; fn returns how many value bytes it consumed
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.ProtocolViolation("malformed field tag", protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func consumeFixed32(typ protowire.Type, b []byte) (uint32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, malformed("expected fixed32, got wire type %d", typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, errors.ProtocolViolation("malformed fixed32", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeFixed64(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, malformed("expected fixed64, got wire type %d", typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, errors.ProtocolViolation("malformed fixed64", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, malformed("expected bytes, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, errors.ProtocolViolation("malformed length-prefixed field", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return "", n, err
	}
	if !utf8.Valid(v) {
		return "", n, malformed("string field is not valid UTF-8")
	}
	return string(v), n, nil
}

func malformed(format string, args ...interface{}) error {
	return errors.ProtocolViolation(fmt.Sprintf(format, args...), nil)
}
