package handler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/errors"
	"github.com/devrev/lakelink/internal/metrics"
	"github.com/devrev/lakelink/internal/model"
	"github.com/devrev/lakelink/internal/protocol"
	"github.com/devrev/lakelink/internal/service"
	"github.com/devrev/lakelink/internal/validation"
)

// Backend is the table store requests are routed to
type Backend interface {
	CreateTable(ctx context.Context, id model.TableIdentity, destinationURI, sourceTable, sourceURI string) error
	DropTable(ctx context.Context, id model.TableIdentity) error
	CreateSnapshot(ctx context.Context, id model.TableIdentity, lsn uint64) error
	ScanTable(ctx context.Context, id model.TableIdentity, lsn uint64) ([]byte, error)
	ListTables(ctx context.Context) ([]model.TableInfo, error)
	LoadFiles(ctx context.Context, id model.TableIdentity, paths []string) error
	OptimizeTable(ctx context.Context, id model.TableIdentity, mode string) error
}

// LakeHandler routes decoded requests to the backend and turns the
// outcome into a response
type LakeHandler struct {
	backend   Backend
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewLakeHandler creates a new lake handler
func NewLakeHandler(backend Backend, m *metrics.Metrics, logger *zap.Logger) *LakeHandler {
	return &LakeHandler{
		backend:   backend,
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger,
	}
}

// Dispatch handles one request in the context of a session. Every error is
// reported as a Failure response.
func (h *LakeHandler) Dispatch(ctx context.Context, session *service.ScanSession, req protocol.Request) protocol.Response {
	start := time.Now()
	name := req.Tag().String()

	resp, err := h.dispatch(ctx, session, req)
	if err != nil {
		code := errors.GetCode(err)
		h.logFailure(req, code, err)
		if h.metrics != nil {
			h.metrics.RecordFailure(name, code.String())
		}
		resp = protocol.Failure{Code: uint32(code), Message: err.Error()}
	}

	if h.metrics != nil {
		h.metrics.RecordRequest(name, time.Since(start).Seconds())
	}
	return resp
}

func (h *LakeHandler) dispatch(ctx context.Context, session *service.ScanSession, req protocol.Request) (resp protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Request handler panicked",
				zap.String("request", req.Tag().String()),
				zap.Any("panic", r))
			resp, err = nil, errors.InternalError(fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()

	if err := h.validator.ValidateRequest(req); err != nil {
		return nil, err
	}

	switch r := req.(type) {
	case protocol.CreateTable:
		if err := h.backend.CreateTable(ctx, r.Identity, r.DestinationURI, r.SourceTable, r.SourceURI); err != nil {
			return nil, err
		}
		return protocol.Unit{}, nil

	case protocol.DropTable:
		if err := h.backend.DropTable(ctx, r.Identity); err != nil {
			return nil, err
		}
		// A dropped table cannot be scanned any more.
		session.End(r.Identity)
		return protocol.Unit{}, nil

	case protocol.CreateSnapshot:
		if err := h.backend.CreateSnapshot(ctx, r.Identity, r.LSN); err != nil {
			return nil, err
		}
		return protocol.Unit{}, nil

	case protocol.ScanTableBegin:
		data, err := h.backend.ScanTable(ctx, r.Identity, r.LSN)
		if err != nil {
			return nil, err
		}
		session.Begin(r.Identity, data)
		h.logger.Debug("Scan opened",
			zap.Uint32("database_id", r.Identity.DatabaseID),
			zap.Uint32("table_id", r.Identity.TableID),
			zap.Uint64("lsn", r.LSN),
			zap.Int("bytes", len(data)))
		return protocol.Bytes{Data: data}, nil

	case protocol.ScanTableEnd:
		session.End(r.Identity)
		return protocol.Unit{}, nil

	case protocol.ListTables:
		tables, err := h.backend.ListTables(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.Tables{Tables: filterDatabase(tables, r.DatabaseID)}, nil

	case protocol.LoadFiles:
		if err := h.backend.LoadFiles(ctx, r.Identity, r.FilePaths); err != nil {
			return nil, err
		}
		return protocol.Unit{}, nil

	case protocol.OptimizeTable:
		if err := h.backend.OptimizeTable(ctx, r.Identity, r.Mode); err != nil {
			return nil, err
		}
		return protocol.Unit{}, nil

	default:
		return nil, errors.ProtocolViolation(fmt.Sprintf("unsupported request %T", req), nil)
	}
}

// filterDatabase keeps the tables of databaseID; zero keeps everything
func filterDatabase(tables []model.TableInfo, databaseID uint32) []model.TableInfo {
	if databaseID == 0 {
		return tables
	}
	out := make([]model.TableInfo, 0, len(tables))
	for _, t := range tables {
		if t.Identity.DatabaseID == databaseID {
			out = append(out, t)
		}
	}
	return out
}

func (h *LakeHandler) logFailure(req protocol.Request, code errors.ErrorCode, err error) {
	fields := []zap.Field{
		zap.String("request", req.Tag().String()),
		zap.String("code", code.String()),
		zap.Error(err),
	}
	if id, ok := identityOf(req); ok {
		fields = append(fields,
			zap.Uint32("database_id", id.DatabaseID),
			zap.Uint32("table_id", id.TableID))
	}

	switch code {
	case errors.ErrCodeInvalidArgument, errors.ErrCodeNotFound, errors.ErrCodeAlreadyExists:
		h.logger.Info("Request rejected", fields...)
	default:
		h.logger.Error("Request failed", fields...)
	}
}

func identityOf(req protocol.Request) (model.TableIdentity, bool) {
	switch r := req.(type) {
	case protocol.CreateTable:
		return r.Identity, true
	case protocol.DropTable:
		return r.Identity, true
	case protocol.CreateSnapshot:
		return r.Identity, true
	case protocol.ScanTableBegin:
		return r.Identity, true
	case protocol.ScanTableEnd:
		return r.Identity, true
	case protocol.LoadFiles:
		return r.Identity, true
	case protocol.OptimizeTable:
		return r.Identity, true
	default:
		return model.TableIdentity{}, false
	}
}
