// Package rpc hides the transport behind a thin adapter: an outbound stub
// with a connectivity check and an inbound server with pluggable handlers.
// The wire schema is five small messages; the engine treats the whole thing
// as an opaque channel.
package rpc

import (
	"github.com/crashnet/overlay/internal/model"
)

// QueryRequest asks a node to answer a query.
type QueryRequest struct {
	QueryID     string   `json:"query_id"`
	QueryString string   `json:"query_string"`
	Parameters  []string `json:"parameters,omitempty"`
}

// WireEntry is a DataEntry on the wire. Exactly one of the value fields is
// set, mirroring a protobuf oneof. CrashRecords travel as their summary
// string.
type WireEntry struct {
	Key         string   `json:"key"`
	StringValue *string  `json:"string_value,omitempty"`
	IntValue    *int32   `json:"int_value,omitempty"`
	DoubleValue *float64 `json:"double_value,omitempty"`
	BoolValue   *bool    `json:"bool_value,omitempty"`
}

// QueryResponse is a node's merged answer.
type QueryResponse struct {
	QueryID    string      `json:"query_id"`
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Results    []WireEntry `json:"results,omitempty"`
	TimingData string      `json:"timing_data,omitempty"`
}

// DataMessage is a fire-and-forget payload relayed across the overlay.
type DataMessage struct {
	MessageID   string `json:"message_id"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Data        []byte `json:"data"`
}

// Ack is the empty reply to a DataMessage.
type Ack struct{}

// DataChunk is one piece of a server-streamed result.
type DataChunk struct {
	ChunkID int32  `json:"chunk_id"`
	Data    []byte `json:"data"`
	IsLast  bool   `json:"is_last"`
}

// ToWireQuery converts the engine's query to its wire form.
func ToWireQuery(q model.Query) *QueryRequest {
	return &QueryRequest{
		QueryID:     q.ID,
		QueryString: q.Verb,
		Parameters:  q.Params,
	}
}

// FromWireQuery converts an inbound request to the engine's query type.
func FromWireQuery(req *QueryRequest) model.Query {
	return model.Query{
		ID:     req.QueryID,
		Verb:   req.QueryString,
		Params: req.Parameters,
	}
}

// ToWireResult converts a result for transmission.
func ToWireResult(r model.QueryResult) *QueryResponse {
	resp := &QueryResponse{
		QueryID:    r.QueryID,
		Success:    r.Success,
		Message:    r.Message,
		TimingData: r.TimingBlob,
	}
	for _, entry := range r.Entries {
		resp.Results = append(resp.Results, toWireEntry(entry))
	}
	return resp
}

// FromWireResult converts a received response back into a result. Entry
// timestamps are re-stamped at receipt, matching upstream behavior.
func FromWireResult(resp *QueryResponse) model.QueryResult {
	result := model.QueryResult{
		QueryID:    resp.QueryID,
		Success:    resp.Success,
		Message:    resp.Message,
		TimingBlob: resp.TimingData,
	}
	for _, we := range resp.Results {
		entry := model.DataEntry{Key: we.Key, Timestamp: model.NowMillis()}
		switch {
		case we.IntValue != nil:
			entry.Value = model.IntValue(*we.IntValue)
		case we.DoubleValue != nil:
			entry.Value = model.DoubleValue(*we.DoubleValue)
		case we.BoolValue != nil:
			entry.Value = model.BoolValue(*we.BoolValue)
		case we.StringValue != nil:
			entry.Value = model.StringValue(*we.StringValue)
		default:
			entry.Value = model.StringValue("")
		}
		result.Entries = append(result.Entries, entry)
	}
	return result
}

func toWireEntry(entry model.DataEntry) WireEntry {
	we := WireEntry{Key: entry.Key}
	switch entry.Value.Kind {
	case model.KindInt:
		v := entry.Value.Int
		we.IntValue = &v
	case model.KindDouble:
		v := entry.Value.Double
		we.DoubleValue = &v
	case model.KindBool:
		v := entry.Value.Bool
		we.BoolValue = &v
	case model.KindString:
		v := entry.Value.Str
		we.StringValue = &v
	case model.KindBytes:
		v := string(entry.Value.Bytes)
		we.StringValue = &v
	case model.KindCrash:
		v := ""
		if entry.Value.Crash != nil {
			v = entry.Value.Crash.Summary()
		}
		we.StringValue = &v
	}
	return we
}
