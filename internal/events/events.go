package events

import "time"

const (
	TopicLIDMappingUpdated = "lid-mapping.updated"
	TopicSessionsMigrated  = "sessions.migrated"
	TopicSessionsCleanedUp = "sessions.cleaned-up"
	TopicSessionsRecovered = "sessions.recovered"
)

type LIDMappingUpdated struct {
	PN     string    `json:"pn"`
	LID    string    `json:"lid"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

type SessionsMigrated struct {
	PNUser  string    `json:"pnUser"`
	LIDUser string    `json:"lidUser"`
	Devices []uint16  `json:"devices"`
	At      time.Time `json:"at"`
}

type SessionsCleanedUp struct {
	RunID     string    `json:"runId"`
	Secondary int       `json:"secondaryDevicesDeleted"`
	Primary   int       `json:"primaryDevicesDeleted"`
	Orphans   int       `json:"orphansDeleted"`
	At        time.Time `json:"at"`
}

type SessionsRecovered struct {
	User      string    `json:"user"`
	Addresses []string  `json:"addresses"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}
