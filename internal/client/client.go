package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/errors"
	"github.com/devrev/lakelink/internal/model"
	"github.com/devrev/lakelink/internal/protocol"
)

// LakeClient issues requests to a lakelink server over pooled connections
type LakeClient struct {
	pool     *Pool
	exchange func(net.Conn, protocol.Request) (protocol.Response, error)
	logger   *zap.Logger
}

// NewLakeClient creates a client for the server at network/address
func NewLakeClient(network, address string, logger *zap.Logger) *LakeClient {
	return &LakeClient{
		pool:     NewPool(network, address, DefaultMaxIdle),
		exchange: exchange,
		logger:   logger,
	}
}

// CreateTable creates a table mirroring sourceTable
func (c *LakeClient) CreateTable(ctx context.Context, id model.TableIdentity, destinationURI, sourceTable, sourceURI string) error {
	return c.expectUnit(ctx, protocol.CreateTable{
		Identity:       id,
		DestinationURI: destinationURI,
		SourceTable:    sourceTable,
		SourceURI:      sourceURI,
	})
}

// DropTable drops a table
func (c *LakeClient) DropTable(ctx context.Context, id model.TableIdentity) error {
	return c.expectUnit(ctx, protocol.DropTable{Identity: id})
}

// CreateSnapshot publishes the table state as of lsn
func (c *LakeClient) CreateSnapshot(ctx context.Context, id model.TableIdentity, lsn uint64) error {
	return c.expectUnit(ctx, protocol.CreateSnapshot{Identity: id, LSN: lsn})
}

// ScanTableBegin opens a scan and returns the scan state buffer
func (c *LakeClient) ScanTableBegin(ctx context.Context, id model.TableIdentity, lsn uint64) ([]byte, error) {
	resp, err := c.call(ctx, protocol.ScanTableBegin{Identity: id, LSN: lsn})
	if err != nil {
		return nil, err
	}
	b, ok := resp.(protocol.Bytes)
	if !ok {
		return nil, unexpected(resp)
	}
	return b.Data, nil
}

// ScanTableEnd releases the scan opened for id
func (c *LakeClient) ScanTableEnd(ctx context.Context, id model.TableIdentity) error {
	return c.expectUnit(ctx, protocol.ScanTableEnd{Identity: id})
}

// ListTables lists the tables of databaseID, or all tables when zero
func (c *LakeClient) ListTables(ctx context.Context, databaseID uint32) ([]model.TableInfo, error) {
	resp, err := c.call(ctx, protocol.ListTables{DatabaseID: databaseID})
	if err != nil {
		return nil, err
	}
	t, ok := resp.(protocol.Tables)
	if !ok {
		return nil, unexpected(resp)
	}
	return t.Tables, nil
}

// LoadFiles appends existing data files to a table
func (c *LakeClient) LoadFiles(ctx context.Context, id model.TableIdentity, paths []string) error {
	return c.expectUnit(ctx, protocol.LoadFiles{Identity: id, FilePaths: paths})
}

// OptimizeTable runs maintenance of the given mode on a table
func (c *LakeClient) OptimizeTable(ctx context.Context, id model.TableIdentity, mode string) error {
	return c.expectUnit(ctx, protocol.OptimizeTable{Identity: id, Mode: mode})
}

// Close closes the idle connections of the client
func (c *LakeClient) Close() error {
	return c.pool.Close()
}

func (c *LakeClient) expectUnit(ctx context.Context, req protocol.Request) error {
	resp, err := c.call(ctx, req)
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.Unit); !ok {
		return unexpected(resp)
	}
	return nil
}

// call runs one request/response exchange. A Failure response is returned as
// a *errors.LakeError and leaves the connection reusable; any transport or
// framing error discards the connection. A response that arrived before ctx
// was cancelled is still returned.
func (c *LakeClient) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Unavailable("failed to acquire connection", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	resp, err := c.exchange(conn, req)
	stopped := stop()
	if err != nil {
		c.pool.Discard(conn)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Debug("Discarded connection",
			zap.String("request", req.Tag().String()),
			zap.Error(err))
		if protocol.IsProtocolError(err) {
			return nil, err
		}
		return nil, errors.Unavailable("request failed", err)
	}
	if stopped {
		c.pool.Release(conn)
	} else {
		// the cancel hook may have expired the deadline
		c.pool.Discard(conn)
	}

	if f, ok := resp.(protocol.Failure); ok {
		return nil, FailureError(f)
	}
	return resp, nil
}

func exchange(conn net.Conn, req protocol.Request) (protocol.Response, error) {
	if err := protocol.WriteRequest(conn, req); err != nil {
		return nil, err
	}
	return protocol.ReadResponse(conn)
}

// FailureError converts a failure response into a coded error
func FailureError(f protocol.Failure) *errors.LakeError {
	return errors.NewLakeError(errors.ErrorCode(f.Code), f.Message, nil)
}

func unexpected(resp protocol.Response) error {
	return errors.ProtocolViolation(fmt.Sprintf("unexpected response %T", resp), nil)
}
