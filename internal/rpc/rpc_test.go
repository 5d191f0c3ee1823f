package rpc_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/crashnet/overlay/internal/model"
	"github.com/crashnet/overlay/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T) *rpc.Server {
	t.Helper()
	server := rpc.NewServer("T", "127.0.0.1:0", zap.NewNop())
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return server
}

func dial(t *testing.T, server *rpc.Server) *rpc.Client {
	t.Helper()
	client, err := rpc.NewClient(server.Addr(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestQueryRoundTrip(t *testing.T) {
	server := startServer(t)
	server.SetQueryHandler(func(ctx context.Context, q model.Query) model.QueryResult {
		entries := []model.DataEntry{
			model.NewIntEntry("n", 7),
			model.NewStringEntry("s", "hello"),
			model.NewCrashEntry("c", model.CrashRecord{
				Date: "12/13/2021", Time: "11:00", Borough: "QUEENS", Killed: 1,
			}),
		}
		return model.Succeed(q.ID, entries, "Success")
	})

	client := dial(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Query(ctx, model.Query{ID: "q1", Verb: "get_all"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "q1", result.QueryID)
	require.Len(t, result.Entries, 3)

	assert.Equal(t, int32(7), result.Entries[0].Value.Int)
	assert.Equal(t, "hello", result.Entries[1].Value.Str)
	// CrashRecords cross the wire as their summary string.
	assert.Equal(t, model.KindString, result.Entries[2].Value.Kind)
	assert.Equal(t, "Date: 12/13/2021, Time: 11:00, Borough: QUEENS, Killed: 1",
		result.Entries[2].Value.Str)
}

func TestQueryCarriesParams(t *testing.T) {
	server := startServer(t)

	var got model.Query
	var mu sync.Mutex
	server.SetQueryHandler(func(ctx context.Context, q model.Query) model.QueryResult {
		mu.Lock()
		got = q
		mu.Unlock()
		return model.Succeed(q.ID, nil, "Success")
	})

	client := dial(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Query(ctx, model.Query{
		ID:     "q1",
		Verb:   "get_by_borough",
		Params: []string{"BRONX"},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "get_by_borough", got.Verb)
	assert.Equal(t, []string{"BRONX"}, got.Params)
}

func TestSendReachesDataHandler(t *testing.T) {
	server := startServer(t)

	type dataCall struct {
		source, destination string
		data                []byte
	}
	calls := make(chan dataCall, 1)
	server.SetDataHandler(func(ctx context.Context, source, destination string, data []byte) {
		calls <- dataCall{source, destination, data}
	})

	client := dial(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, "A", "B", []byte{0xDE, 0xAD}))

	select {
	case call := <-calls:
		assert.Equal(t, "A", call.source)
		assert.Equal(t, "B", call.destination)
		assert.Equal(t, []byte{0xDE, 0xAD}, call.data)
	case <-time.After(5 * time.Second):
		t.Fatal("data handler was not invoked")
	}
}

func TestStreamReassembles(t *testing.T) {
	server := startServer(t)
	server.SetQueryHandler(func(ctx context.Context, q model.Query) model.QueryResult {
		// Large enough to force multiple chunks.
		entries := make([]model.DataEntry, 0, 4096)
		for i := 0; i < 4096; i++ {
			entries = append(entries, model.NewStringEntry("key", "some value padding the payload"))
		}
		return model.Succeed(q.ID, entries, "Success")
	})

	client := dial(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var payload []byte
	chunks := 0
	sawLast := false
	err := client.Stream(ctx, model.Query{ID: "q1", Verb: "get_all"}, func(chunk []byte, last bool) error {
		payload = append(payload, chunk...)
		chunks++
		sawLast = last
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawLast)
	assert.Greater(t, chunks, 1)

	var resp rpc.QueryResponse
	require.NoError(t, json.Unmarshal(payload, &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.Results, 4096)
}

func TestQueryWithoutHandlerFails(t *testing.T) {
	server := startServer(t)
	client := dial(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.Query(ctx, model.Query{ID: "q1", Verb: "get_all"})
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestIsConnectedOnFreshChannel(t *testing.T) {
	server := startServer(t)
	client := dial(t, server)

	// A fresh channel is Idle, which counts as connected for the
	// pre-filter heuristic.
	assert.True(t, client.IsConnected())
}

func TestQueryAgainstDownServer(t *testing.T) {
	client, err := rpc.NewClient("127.0.0.1:1", zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := client.Query(ctx, model.Query{ID: "q1", Verb: "get_all"})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "RPC failed: ")
	assert.Equal(t, "q1", result.QueryID)
}

func TestWireResultConversion(t *testing.T) {
	original := model.QueryResult{
		QueryID: "q1",
		Success: true,
		Message: "Success",
		Entries: []model.DataEntry{
			model.NewBoolEntry("b", true),
			model.NewDoubleEntry("d", 2.5),
		},
		TimingBlob: "  [Process B]\n",
	}

	back := rpc.FromWireResult(rpc.ToWireResult(original))
	assert.Equal(t, original.QueryID, back.QueryID)
	assert.Equal(t, original.Message, back.Message)
	assert.Equal(t, original.TimingBlob, back.TimingBlob)
	require.Len(t, back.Entries, 2)
	assert.True(t, back.Entries[0].Value.Bool)
	assert.Equal(t, 2.5, back.Entries[1].Value.Double)
}
