package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/crashnet/overlay/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// QueryHandler answers one inbound query. grpc-go runs every unary call on
// its own goroutine, so a handler may block on downstream fan-out without
// starving other inbound calls.
type QueryHandler func(ctx context.Context, q model.Query) model.QueryResult

// DataHandler consumes one inbound data message.
type DataHandler func(ctx context.Context, source, destination string, data []byte)

// streamChunkSize bounds each DataChunk payload.
const streamChunkSize = 64 * 1024

// Server is the inbound side of the adapter.
type Server struct {
	nodeID  string
	address string
	logger  *zap.Logger

	grpcServer *grpc.Server
	listener   net.Listener
	running    atomic.Bool

	queryHandler atomic.Pointer[QueryHandler]
	dataHandler  atomic.Pointer[DataHandler]
}

// NewServer creates a server bound to the given address once started.
func NewServer(nodeID, address string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		nodeID:  nodeID,
		address: address,
		logger:  logger,
	}
}

// SetQueryHandler installs the query handler. Safe to call before or after
// Start; inbound queries without a handler fail cleanly.
func (s *Server) SetQueryHandler(h QueryHandler) {
	s.queryHandler.Store(&h)
}

// SetDataHandler installs the data-message handler.
func (s *Server) SetDataHandler(h DataHandler) {
	s.dataHandler.Store(&h)
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return nil
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.listener = listener
	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(Codec{}))
	s.grpcServer.RegisterService(&serviceDesc, s)

	s.running.Store(true)
	go func() {
		s.logger.Info("Server started",
			zap.String("node_id", s.nodeID),
			zap.String("address", listener.Addr().String()))
		if err := s.grpcServer.Serve(listener); err != nil {
			s.logger.Error("Server stopped serving", zap.Error(err))
		}
		s.running.Store(false)
	}()
	return nil
}

// Stop drains in-flight calls and shuts the server down.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.grpcServer.GracefulStop()
	s.running.Store(false)
	s.logger.Info("Server stopped", zap.String("node_id", s.nodeID))
}

// IsRunning reports whether the server is accepting calls.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound address, useful when starting on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Query implements the unary query method.
func (s *Server) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	handler := s.queryHandler.Load()
	if handler == nil {
		return ToWireResult(model.Fail(req.QueryID, "no query handler registered")), nil
	}
	result := (*handler)(ctx, FromWireQuery(req))
	return ToWireResult(result), nil
}

// Send implements the fire-and-forget data method.
func (s *Server) Send(ctx context.Context, msg *DataMessage) (*Ack, error) {
	if handler := s.dataHandler.Load(); handler != nil {
		(*handler)(ctx, msg.Source, msg.Destination, msg.Data)
	}
	return &Ack{}, nil
}

// Stream implements the server-streamed query method: the handler's merged
// response is serialized and pushed down in bounded chunks.
func (s *Server) Stream(req *QueryRequest, stream grpc.ServerStream) error {
	handler := s.queryHandler.Load()
	if handler == nil {
		return fmt.Errorf("no query handler registered")
	}

	result := (*handler)(stream.Context(), FromWireQuery(req))
	payload, err := json.Marshal(ToWireResult(result))
	if err != nil {
		return fmt.Errorf("failed to serialize stream payload: %w", err)
	}

	var chunkID int32
	for offset := 0; ; offset += streamChunkSize {
		end := offset + streamChunkSize
		last := end >= len(payload)
		if last {
			end = len(payload)
		}
		chunk := &DataChunk{
			ChunkID: chunkID,
			Data:    payload[offset:end],
			IsLast:  last,
		}
		if err := stream.SendMsg(chunk); err != nil {
			return err
		}
		if last {
			return nil
		}
		chunkID++
	}
}
