package global

import (
	"nanokern.dev/config"
	"nanokern.dev/event"
	"nanokern.dev/journal"
	"nanokern.dev/stats"
)

type Global struct {
	Config        *config.Config
	Stats         *stats.Stats
	Journal       *journal.Journal
	EventTemplate *event.Event
}
