package rpc

import (
	"context"
	"fmt"
	"io"

	"github.com/crashnet/overlay/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is the outbound stub toward one peer node.
type Client struct {
	target string
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// NewClient dials the target lazily; a peer that is down at dial time is
// picked up later once its server comes up.
func NewClient(target string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel to %s: %w", target, err)
	}

	return &Client{target: target, conn: conn, logger: logger}, nil
}

// Target returns the address this client dials.
func (c *Client) Target() string { return c.target }

// Query issues a synchronous query. A transport failure yields both a
// failure result ("RPC failed: <detail>") and the underlying error, so
// callers can surface whichever fits.
func (c *Client) Query(ctx context.Context, q model.Query) (model.QueryResult, error) {
	req := ToWireQuery(q)
	resp := new(QueryResponse)
	if err := c.conn.Invoke(ctx, queryMethod, req, resp); err != nil {
		return model.Fail(q.ID, "RPC failed: %v", err), err
	}
	return FromWireResult(resp), nil
}

// Send relays a fire-and-forget data message.
func (c *Client) Send(ctx context.Context, source, destination string, data []byte) error {
	req := &DataMessage{
		MessageID:   uuid.NewString(),
		Source:      source,
		Destination: destination,
		Data:        data,
	}
	return c.conn.Invoke(ctx, sendMethod, req, new(Ack))
}

// Stream issues a query over the streaming method and hands each chunk to
// the handler in order. The handler's error aborts the stream.
func (c *Client) Stream(ctx context.Context, q model.Query, handle func(chunk []byte, last bool) error) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], streamMethod)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if err := stream.SendMsg(ToWireQuery(q)); err != nil {
		return fmt.Errorf("failed to send stream request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		chunk := new(DataChunk)
		if err := stream.RecvMsg(chunk); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := handle(chunk.Data, chunk.IsLast); err != nil {
			return err
		}
	}
}

// IsConnected reports whether the channel looks usable. It is a best-effort
// pre-filter: Ready and Idle both count, and callers still tolerate a Query
// failing afterwards.
func (c *Client) IsConnected() bool {
	state := c.conn.GetState()
	return state == connectivity.Ready || state == connectivity.Idle
}

// Close tears down the channel.
func (c *Client) Close() error {
	return c.conn.Close()
}
