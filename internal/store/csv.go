package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/crashnet/overlay/internal/model"
	"go.uber.org/zap"
)

// crashColumns is the positional layout of the crash dataset CSV:
// date, time, borough, zip, latitude, longitude, location,
// on street, cross street, off street, injured, killed, pedestrians.
const crashColumns = 13

// LoadCSV parses a crash dataset whose first row is a header and stores each
// subsequent row under a synthetic crash_<i> key, i counting from 0 within
// this call. Returns the number of rows stored.
func (s *Store) LoadCSV(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	count := 0
	s.mu.Lock()
	for _, row := range records[1:] { // skip header
		if len(row) < crashColumns {
			s.logger.Warn("Skipping short CSV row",
				zap.String("store", s.name),
				zap.Int("columns", len(row)))
			continue
		}
		crash := model.CrashRecord{
			Date:        row[0],
			Time:        row[1],
			Borough:     row[2],
			ZipCode:     row[3],
			Latitude:    row[4],
			Longitude:   row[5],
			Location:    row[6],
			OnStreet:    row[7],
			CrossStreet: row[8],
			OffStreet:   row[9],
			Injured:     lenientAtoi(row[10]),
			Killed:      lenientAtoi(row[11]),
			Pedestrians: lenientAtoi(row[12]),
		}
		key := fmt.Sprintf("crash_%d", count)
		s.data[key] = model.DataEntry{
			Key:       key,
			Value:     model.CrashValue(&crash),
			Timestamp: model.NowMillis(),
		}
		count++
	}
	s.mu.Unlock()

	s.logger.Info("Loaded crash dataset",
		zap.String("store", s.name),
		zap.String("path", path),
		zap.Int("rows", count))
	return count, nil
}

// lenientAtoi treats empty or malformed numeric columns as 0.
func lenientAtoi(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
