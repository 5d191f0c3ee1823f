package model

import "fmt"

// CrashRecord is one traffic-crash fact. String fields are free text straight
// from the source dataset; the counters default to 0 when the source row
// leaves them blank.
type CrashRecord struct {
	Date        string
	Time        string
	Borough     string
	ZipCode     string
	Latitude    string
	Longitude   string
	Location    string
	OnStreet    string
	CrossStreet string
	OffStreet   string
	Injured     int
	Killed      int
	Pedestrians int
}

// Summary is the single-line form a CrashRecord takes when it crosses the
// wire as a string value.
func (c *CrashRecord) Summary() string {
	return fmt.Sprintf("Date: %s, Time: %s, Borough: %s, Killed: %d",
		c.Date, c.Time, c.Borough, c.Killed)
}
