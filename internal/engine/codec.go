package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/crashnet/overlay/internal/model"
)

// Two cache payload encodings exist side by side. Ordinary nodes store one
// line per entry; the portal prefixes a success/message/count header so a
// hit restores the merged response verbatim. Each encoding only ever round-
// trips through the node that produced it.
//
// CrashRecords are cached as a CrashData:<key> placeholder; the cache is a
// latency shortcut, not a durable row store.

func formatValue(v model.DataValue) (kind, text string) {
	switch v.Kind {
	case model.KindInt:
		return "int", strconv.FormatInt(int64(v.Int), 10)
	case model.KindDouble:
		return "double", strconv.FormatFloat(v.Double, 'g', -1, 64)
	case model.KindBool:
		return "bool", strconv.FormatBool(v.Bool)
	case model.KindString:
		return "string", v.Str
	case model.KindBytes:
		return "string", string(v.Bytes)
	default:
		return "crash", ""
	}
}

func parseValue(kind, text string) model.DataValue {
	switch kind {
	case "int":
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return model.StringValue(text)
		}
		return model.IntValue(int32(n))
	case "double":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return model.StringValue(text)
		}
		return model.DoubleValue(f)
	case "bool":
		return model.BoolValue(text == "true" || text == "1")
	default:
		return model.StringValue(text)
	}
}

// encodeEntryLines renders entries in the line-oriented node encoding:
// <key>,<type>,<value>\n
func encodeEntryLines(entries []model.DataEntry) []byte {
	var b strings.Builder
	for _, entry := range entries {
		if entry.Value.Kind == model.KindCrash {
			fmt.Fprintf(&b, "%s,string,CrashData:%s\n", entry.Key, entry.Key)
			continue
		}
		kind, text := formatValue(entry.Value)
		fmt.Fprintf(&b, "%s,%s,%s\n", entry.Key, kind, text)
	}
	return []byte(b.String())
}

// decodeEntryLines parses the node encoding back into entries. Lines that do
// not split into key,type,value are skipped.
func decodeEntryLines(payload []byte) []model.DataEntry {
	var entries []model.DataEntry
	for _, line := range strings.Split(string(payload), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 3)
		if len(parts) != 3 {
			continue
		}
		entries = append(entries, model.DataEntry{
			Key:       parts[0],
			Value:     parseValue(parts[1], parts[2]),
			Timestamp: model.NowMillis(),
		})
	}
	return entries
}

// encodePortalResult renders the portal's header-prefixed encoding:
// <success>,<message>,<count>[,<key>,<type>,<value>]*
func encodePortalResult(result model.QueryResult) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%t,%s,%d", result.Success, result.Message, len(result.Entries))
	for _, entry := range result.Entries {
		if entry.Value.Kind == model.KindCrash {
			fmt.Fprintf(&b, ",%s,string,CrashData:%s", entry.Key, entry.Key)
			continue
		}
		kind, text := formatValue(entry.Value)
		fmt.Fprintf(&b, ",%s,%s,%s", entry.Key, kind, text)
	}
	return []byte(b.String())
}

// decodePortalResult parses the portal encoding. The declared count bounds
// the parse; a short or garbled payload returns an error so the caller can
// treat the hit as a miss.
func decodePortalResult(payload []byte, queryID string) (model.QueryResult, error) {
	fields := strings.Split(string(payload), ",")
	if len(fields) < 3 {
		return model.QueryResult{}, fmt.Errorf("portal cache payload too short")
	}

	count, err := strconv.Atoi(fields[2])
	if err != nil {
		return model.QueryResult{}, fmt.Errorf("bad portal cache entry count %q", fields[2])
	}
	if len(fields) < 3+count*3 {
		return model.QueryResult{}, fmt.Errorf("portal cache payload truncated: want %d entries", count)
	}

	result := model.QueryResult{
		QueryID: queryID,
		Success: fields[0] == "true",
		Message: fields[1],
	}
	for i := 0; i < count; i++ {
		base := 3 + i*3
		result.Entries = append(result.Entries, model.DataEntry{
			Key:       fields[base],
			Value:     parseValue(fields[base+1], fields[base+2]),
			Timestamp: model.NowMillis(),
		})
	}
	return result, nil
}
