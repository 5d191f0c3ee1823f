package model

import (
	"fmt"
	"time"
)

// ValueKind tags the variant held by a DataValue.
type ValueKind int

const (
	KindInt ValueKind = iota
	KindDouble
	KindBool
	KindString
	KindBytes
	KindCrash
)

// String returns the variant's name. The int, double, bool and string names
// match the cache serialization's type tags; the cache stores bytes and crash
// values under the string tag instead.
func (k ValueKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// DataValue is a tagged union over the value types a DataEntry can hold.
// Exactly one of the payload fields is meaningful, selected by Kind.
type DataValue struct {
	Kind   ValueKind
	Int    int32
	Double float64
	Bool   bool
	Str    string
	Bytes  []byte
	Crash  *CrashRecord
}

// ValueVisitor dispatches on the variant held by a DataValue.
type ValueVisitor interface {
	VisitInt(v int32)
	VisitDouble(v float64)
	VisitBool(v bool)
	VisitString(v string)
	VisitBytes(v []byte)
	VisitCrash(v *CrashRecord)
}

// Visit invokes the visitor method matching the value's tag.
func (v DataValue) Visit(vis ValueVisitor) {
	switch v.Kind {
	case KindInt:
		vis.VisitInt(v.Int)
	case KindDouble:
		vis.VisitDouble(v.Double)
	case KindBool:
		vis.VisitBool(v.Bool)
	case KindString:
		vis.VisitString(v.Str)
	case KindBytes:
		vis.VisitBytes(v.Bytes)
	case KindCrash:
		vis.VisitCrash(v.Crash)
	}
}

func IntValue(v int32) DataValue          { return DataValue{Kind: KindInt, Int: v} }
func DoubleValue(v float64) DataValue     { return DataValue{Kind: KindDouble, Double: v} }
func BoolValue(v bool) DataValue          { return DataValue{Kind: KindBool, Bool: v} }
func StringValue(v string) DataValue      { return DataValue{Kind: KindString, Str: v} }
func BytesValue(v []byte) DataValue       { return DataValue{Kind: KindBytes, Bytes: v} }
func CrashValue(v *CrashRecord) DataValue { return DataValue{Kind: KindCrash, Crash: v} }

// DataEntry is a keyed value with its last-update timestamp in epoch millis.
type DataEntry struct {
	Key       string
	Value     DataValue
	Timestamp int64
}

// NowMillis returns the current wall-clock time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func NewIntEntry(key string, v int32) DataEntry {
	return DataEntry{Key: key, Value: IntValue(v), Timestamp: NowMillis()}
}

func NewDoubleEntry(key string, v float64) DataEntry {
	return DataEntry{Key: key, Value: DoubleValue(v), Timestamp: NowMillis()}
}

func NewBoolEntry(key string, v bool) DataEntry {
	return DataEntry{Key: key, Value: BoolValue(v), Timestamp: NowMillis()}
}

func NewStringEntry(key string, v string) DataEntry {
	return DataEntry{Key: key, Value: StringValue(v), Timestamp: NowMillis()}
}

func NewCrashEntry(key string, v CrashRecord) DataEntry {
	return DataEntry{Key: key, Value: CrashValue(&v), Timestamp: NowMillis()}
}

// Query is a request for rows, identified by a client-chosen id that stays
// stable across every hop of the overlay.
type Query struct {
	ID     string
	Verb   string
	Params []string
}

// QueryResult carries the entries contributed by a node and, transitively,
// by everything downstream of it.
type QueryResult struct {
	QueryID    string
	Success    bool
	Message    string
	Entries    []DataEntry
	TimingBlob string
}

// Succeed builds a successful result for the given query id.
func Succeed(queryID string, entries []DataEntry, message string) QueryResult {
	return QueryResult{QueryID: queryID, Success: true, Message: message, Entries: entries}
}

// Fail builds a failure result; entries are always empty on failure.
func Fail(queryID, format string, args ...any) QueryResult {
	return QueryResult{QueryID: queryID, Success: false, Message: fmt.Sprintf(format, args...)}
}
