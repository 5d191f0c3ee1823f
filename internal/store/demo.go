package store

import (
	"fmt"
	"strings"

	"github.com/crashnet/overlay/internal/model"
	"go.uber.org/zap"
)

// SeedDemo fills the store with synthetic crash rows for the given borough
// subset. Used when a node starts without a dataset so the overlay still
// answers queries end to end.
func (s *Store) SeedDemo(subset string) int {
	borough := strings.ToUpper(strings.TrimSpace(subset))
	prefix := strings.ToLower(strings.ReplaceAll(borough, " ", "_"))
	if prefix == "" {
		prefix = "demo"
	}

	count := 0
	for i := 0; i < 5; i++ {
		crash := model.CrashRecord{
			Date:        "12/13/2021",
			Time:        fmt.Sprintf("11:%d0", i),
			Borough:     borough,
			ZipCode:     "10000",
			Latitude:    "40.7500",
			Longitude:   "-73.9500",
			Location:    "(40.7500, -73.9500)",
			OnStreet:    "MAIN STREET",
			CrossStreet: "FIRST AVENUE",
			Injured:     i % 3,
			Killed:      boolToInt(i%4 == 0),
			Pedestrians: i % 2,
		}
		s.Put(model.NewCrashEntry(fmt.Sprintf("%s_crash_%d", prefix, i), crash))
		count++
	}

	s.logger.Info("Seeded demo crash records",
		zap.String("store", s.name),
		zap.String("borough", borough),
		zap.Int("rows", count))
	return count
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
