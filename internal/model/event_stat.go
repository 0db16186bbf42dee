package model

import "time"

// EventStat is one row of the daily event report.
type EventStat struct {
	EventType    string    `db:"event_type" json:"event_type"`
	Day          time.Time `db:"day" json:"day"`
	Total        uint64    `db:"total" json:"total"`
	Published    uint64    `db:"published" json:"published"`
	DeadLettered uint64    `db:"dead_lettered" json:"dead_lettered"`
}
