package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/crashnet/overlay/internal/model"
)

// The closed verb set a store evaluates. Anything else is an unknown query.
const (
	VerbGetAll                   = "get_all"
	VerbGetByKey                 = "get_by_key"
	VerbGetByPrefix              = "get_by_prefix"
	VerbGetByBorough             = "get_by_borough"
	VerbGetByStreet              = "get_by_street"
	VerbGetByDateRange           = "get_by_date_range"
	VerbGetCrashesWithInjuries   = "get_crashes_with_injuries"
	VerbGetCrashesWithFatalities = "get_crashes_with_fatalities"
	VerbGetByTime                = "get_by_time"
)

// Evaluate answers a query from the store's current state. It never forwards;
// forwarding is the engine's job.
func (s *Store) Evaluate(q model.Query) model.QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch q.Verb {
	case VerbGetAll:
		return model.Succeed(q.ID, s.allLocked(), "Success")

	case VerbGetByKey:
		entries := make([]model.DataEntry, 0, len(q.Params))
		for _, key := range q.Params {
			if entry, ok := s.data[key]; ok {
				entries = append(entries, entry)
			}
		}
		return model.Succeed(q.ID, entries, "Success")

	case VerbGetByPrefix:
		if len(q.Params) == 0 {
			return model.Fail(q.ID, "No prefix provided")
		}
		prefix := q.Params[0]
		var entries []model.DataEntry
		for key, entry := range s.data {
			if strings.HasPrefix(key, prefix) {
				entries = append(entries, entry)
			}
		}
		return model.Succeed(q.ID, entries, "Success")

	case VerbGetByBorough:
		if len(q.Params) == 0 {
			return model.Fail(q.ID, "No borough provided")
		}
		borough := q.Params[0]
		entries := s.filterCrashesLocked(func(c *model.CrashRecord) bool {
			return strings.EqualFold(c.Borough, borough)
		})
		return model.Succeed(q.ID, entries, "Success")

	case VerbGetByStreet:
		if len(q.Params) == 0 {
			return model.Fail(q.ID, "No street provided")
		}
		street := strings.ToUpper(q.Params[0])
		entries := s.filterCrashesLocked(func(c *model.CrashRecord) bool {
			return strings.Contains(strings.ToUpper(c.OnStreet), street) ||
				strings.Contains(strings.ToUpper(c.CrossStreet), street) ||
				strings.Contains(strings.ToUpper(c.OffStreet), street)
		})
		return model.Succeed(q.ID, entries, "Success")

	case VerbGetByDateRange:
		if len(q.Params) < 2 {
			return model.Fail(q.ID, "Date range requires start and end dates")
		}
		from, err := dateOrdinal(q.Params[0])
		if err != nil {
			return model.Fail(q.ID, "Invalid start date %q: %v", q.Params[0], err)
		}
		to, err := dateOrdinal(q.Params[1])
		if err != nil {
			return model.Fail(q.ID, "Invalid end date %q: %v", q.Params[1], err)
		}
		entries := s.filterCrashesLocked(func(c *model.CrashRecord) bool {
			d, err := dateOrdinal(c.Date)
			return err == nil && d >= from && d <= to
		})
		return model.Succeed(q.ID, entries, "Success")

	case VerbGetCrashesWithInjuries:
		min, err := thresholdParam(q.Params)
		if err != nil {
			return model.Fail(q.ID, "Invalid injury threshold: %v", err)
		}
		entries := s.filterCrashesLocked(func(c *model.CrashRecord) bool {
			return c.Injured >= min
		})
		return model.Succeed(q.ID, entries, "Success")

	case VerbGetCrashesWithFatalities:
		min, err := thresholdParam(q.Params)
		if err != nil {
			return model.Fail(q.ID, "Invalid fatality threshold: %v", err)
		}
		entries := s.filterCrashesLocked(func(c *model.CrashRecord) bool {
			return c.Killed >= min
		})
		return model.Succeed(q.ID, entries, "Success")

	case VerbGetByTime:
		// Declared forwardable but has no local evaluator yet.
		return model.Succeed(q.ID, nil, "Success")

	default:
		return model.Fail(q.ID, "Unknown query: %s", q.Verb)
	}
}

func (s *Store) allLocked() []model.DataEntry {
	entries := make([]model.DataEntry, 0, len(s.data))
	for _, entry := range s.data {
		entries = append(entries, entry)
	}
	return entries
}

func (s *Store) filterCrashesLocked(keep func(*model.CrashRecord) bool) []model.DataEntry {
	var entries []model.DataEntry
	for _, entry := range s.data {
		if entry.Value.Kind != model.KindCrash || entry.Value.Crash == nil {
			continue
		}
		if keep(entry.Value.Crash) {
			entries = append(entries, entry)
		}
	}
	return entries
}

// dateOrdinal maps an MM/DD/YYYY date onto YYYY*10000+MM*100+DD so that
// ordinal comparison matches chronological order.
func dateOrdinal(date string) (int, error) {
	parts := strings.Split(date, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("expected MM/DD/YYYY")
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return 0, fmt.Errorf("bad month %q", parts[0])
	}
	day, err := strconv.Atoi(parts[1])
	if err != nil || day < 1 || day > 31 {
		return 0, fmt.Errorf("bad day %q", parts[1])
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil || year < 0 {
		return 0, fmt.Errorf("bad year %q", parts[2])
	}
	return year*10000 + month*100 + day, nil
}

// thresholdParam reads the optional minimum-count parameter, defaulting to 1.
func thresholdParam(params []string) (int, error) {
	if len(params) == 0 || params[0] == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(params[0])
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", params[0])
	}
	return n, nil
}
