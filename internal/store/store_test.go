package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/crashnet/overlay/internal/model"
	"github.com/crashnet/overlay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New("test", zap.NewNop())
}

func crashEntry(key, date, borough, onStreet string, injured, killed int) model.DataEntry {
	return model.NewCrashEntry(key, model.CrashRecord{
		Date:     date,
		Time:     "12:00",
		Borough:  borough,
		OnStreet: onStreet,
		Injured:  injured,
		Killed:   killed,
	})
}

func keysOf(entries []model.DataEntry) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys
}

func TestPutGetRemove(t *testing.T) {
	s := newStore(t)

	s.Put(model.NewIntEntry("count", 42))
	entry, ok := s.Get("count")
	require.True(t, ok)
	assert.Equal(t, int32(42), entry.Value.Int)

	// Upsert is last-writer-wins.
	s.Put(model.NewIntEntry("count", 43))
	entry, _ = s.Get("count")
	assert.Equal(t, int32(43), entry.Value.Int)

	assert.True(t, s.Remove("count"))
	assert.False(t, s.Remove("count"))
	_, ok = s.Get("count")
	assert.False(t, ok)
}

func TestEvaluateGetAll(t *testing.T) {
	s := newStore(t)
	s.Put(model.NewStringEntry("a", "1"))
	s.Put(model.NewStringEntry("b", "2"))

	result := s.Evaluate(model.Query{ID: "q1", Verb: "get_all"})
	require.True(t, result.Success)
	assert.ElementsMatch(t, []string{"a", "b"}, keysOf(result.Entries))
}

func TestEvaluateGetByKey(t *testing.T) {
	s := newStore(t)
	s.Put(model.NewStringEntry("a", "1"))
	s.Put(model.NewStringEntry("b", "2"))

	// Missing keys are omitted silently, present keys come back in
	// parameter order.
	result := s.Evaluate(model.Query{ID: "q1", Verb: "get_by_key", Params: []string{"b", "missing", "a"}})
	require.True(t, result.Success)
	assert.Equal(t, []string{"b", "a"}, keysOf(result.Entries))
}

func TestEvaluateGetByPrefix(t *testing.T) {
	s := newStore(t)
	s.Put(model.NewStringEntry("crash_0", "x"))
	s.Put(model.NewStringEntry("crash_1", "y"))
	s.Put(model.NewStringEntry("other", "z"))

	result := s.Evaluate(model.Query{ID: "q1", Verb: "get_by_prefix", Params: []string{"crash_"}})
	require.True(t, result.Success)
	assert.ElementsMatch(t, []string{"crash_0", "crash_1"}, keysOf(result.Entries))

	result = s.Evaluate(model.Query{ID: "q2", Verb: "get_by_prefix"})
	assert.False(t, result.Success)
}

func TestEvaluateGetByBorough(t *testing.T) {
	s := newStore(t)
	s.Put(crashEntry("c1", "12/13/2021", "BROOKLYN", "ATLANTIC AVENUE", 0, 0))
	s.Put(crashEntry("c2", "12/14/2021", "QUEENS", "MAIN STREET", 1, 0))
	s.Put(model.NewStringEntry("not_a_crash", "BROOKLYN"))

	result := s.Evaluate(model.Query{ID: "q1", Verb: "get_by_borough", Params: []string{"brooklyn"}})
	require.True(t, result.Success)
	assert.Equal(t, []string{"c1"}, keysOf(result.Entries))
}

func TestEvaluateGetByStreet(t *testing.T) {
	s := newStore(t)
	s.Put(model.NewCrashEntry("c1", model.CrashRecord{OnStreet: "Atlantic Avenue"}))
	s.Put(model.NewCrashEntry("c2", model.CrashRecord{CrossStreet: "BEDFORD AVENUE"}))
	s.Put(model.NewCrashEntry("c3", model.CrashRecord{OffStreet: "FLATBUSH AVE"}))

	result := s.Evaluate(model.Query{ID: "q1", Verb: "get_by_street", Params: []string{"avenue"}})
	require.True(t, result.Success)
	assert.ElementsMatch(t, []string{"c1", "c2"}, keysOf(result.Entries))
}

func TestEvaluateGetByDateRange(t *testing.T) {
	s := newStore(t)
	s.Put(crashEntry("early", "01/05/2021", "BRONX", "", 0, 0))
	s.Put(crashEntry("mid", "06/15/2021", "BRONX", "", 0, 0))
	s.Put(crashEntry("late", "12/31/2021", "BRONX", "", 0, 0))

	result := s.Evaluate(model.Query{
		ID:     "q1",
		Verb:   "get_by_date_range",
		Params: []string{"02/01/2021", "12/31/2021"},
	})
	require.True(t, result.Success)
	assert.ElementsMatch(t, []string{"mid", "late"}, keysOf(result.Entries))
}

func TestEvaluateGetByDateRangeMalformed(t *testing.T) {
	s := newStore(t)

	tests := []struct {
		name   string
		params []string
	}{
		{"bad month", []string{"13/40/2021", "12/31/2021"}},
		{"bad day", []string{"01/40/2021", "12/31/2021"}},
		{"not a date", []string{"yesterday", "12/31/2021"}},
		{"missing end", []string{"01/01/2021"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := s.Evaluate(model.Query{ID: "q", Verb: "get_by_date_range", Params: tt.params})
			assert.False(t, result.Success)
			assert.Empty(t, result.Entries)
		})
	}
}

func TestEvaluateInjuriesAndFatalities(t *testing.T) {
	s := newStore(t)
	s.Put(crashEntry("none", "01/01/2021", "BRONX", "", 0, 0))
	s.Put(crashEntry("hurt", "01/01/2021", "BRONX", "", 2, 0))
	s.Put(crashEntry("fatal", "01/01/2021", "BRONX", "", 3, 1))

	// Threshold defaults to 1.
	result := s.Evaluate(model.Query{ID: "q1", Verb: "get_crashes_with_injuries"})
	require.True(t, result.Success)
	assert.ElementsMatch(t, []string{"hurt", "fatal"}, keysOf(result.Entries))

	result = s.Evaluate(model.Query{ID: "q2", Verb: "get_crashes_with_injuries", Params: []string{"3"}})
	require.True(t, result.Success)
	assert.Equal(t, []string{"fatal"}, keysOf(result.Entries))

	result = s.Evaluate(model.Query{ID: "q3", Verb: "get_crashes_with_fatalities"})
	require.True(t, result.Success)
	assert.Equal(t, []string{"fatal"}, keysOf(result.Entries))

	result = s.Evaluate(model.Query{ID: "q4", Verb: "get_crashes_with_injuries", Params: []string{"many"}})
	assert.False(t, result.Success)
}

func TestEvaluateGetByTime(t *testing.T) {
	s := newStore(t)
	s.Put(crashEntry("c1", "01/01/2021", "BRONX", "", 0, 0))

	result := s.Evaluate(model.Query{ID: "q1", Verb: "get_by_time", Params: []string{"11:00"}})
	assert.True(t, result.Success)
	assert.Empty(t, result.Entries)
}

func TestEvaluateUnknownVerb(t *testing.T) {
	s := newStore(t)

	result := s.Evaluate(model.Query{ID: "q1", Verb: "get_by_moon_phase", Params: []string{"full"}})
	assert.False(t, result.Success)
	assert.Equal(t, "Unknown query: get_by_moon_phase", result.Message)
}

func TestLoadCSV(t *testing.T) {
	csv := "CRASH DATE,CRASH TIME,BOROUGH,ZIP CODE,LATITUDE,LONGITUDE,LOCATION,ON STREET NAME,CROSS STREET NAME,OFF STREET NAME,NUMBER OF PERSONS INJURED,NUMBER OF PERSONS KILLED,NUMBER OF PEDESTRIANS\n" +
		"12/13/2021,11:00,BROOKLYN,11201,40.69,-73.99,\"(40.69, -73.99)\",ATLANTIC AVENUE,COURT STREET,,2,0,1\n" +
		"12/14/2021,09:30,BROOKLYN,11215,40.66,-73.98,\"(40.66, -73.98)\",5 AVENUE,9 STREET,,,1,0\n"

	path := filepath.Join(t.TempDir(), "crashes.csv")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	s := newStore(t)
	count, err := s.LoadCSV(path)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entry, ok := s.Get("crash_0")
	require.True(t, ok)
	require.Equal(t, model.KindCrash, entry.Value.Kind)
	assert.Equal(t, "BROOKLYN", entry.Value.Crash.Borough)
	assert.Equal(t, 2, entry.Value.Crash.Injured)

	// Empty numeric columns default to 0.
	entry, ok = s.Get("crash_1")
	require.True(t, ok)
	assert.Equal(t, 0, entry.Value.Crash.Injured)
	assert.Equal(t, 1, entry.Value.Crash.Killed)
}

func TestLoadCSVMissingFile(t *testing.T) {
	s := newStore(t)
	_, err := s.LoadCSV(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestSeedDemo(t *testing.T) {
	s := newStore(t)
	count := s.SeedDemo("STATEN ISLAND")
	assert.Equal(t, 5, count)

	result := s.Evaluate(model.Query{ID: "q1", Verb: "get_by_borough", Params: []string{"STATEN ISLAND"}})
	require.True(t, result.Success)
	assert.Len(t, result.Entries, 5)
}
