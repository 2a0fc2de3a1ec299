// Package changefeed publishes document changes committed through a
// PostgreSQL-backed repository. Each applied batch is recorded in an outbox
// table inside the same database transaction; a Relay later ships pending rows
// to Pub/Sub and a Listener decodes them on the consuming side.
package changefeed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bionicotaku/lingo-dbs/dbs"
)

// EventTypeDocumentsChanged tags every event written by a Recorder.
const EventTypeDocumentsChanged = "dbs.documents.changed"

// ChangeEvent summarises one committed batch.
type ChangeEvent struct {
	EventID    string    `json:"eventId"`
	Source     string    `json:"source"`
	Created    []string  `json:"created,omitempty"`
	Updated    []string  `json:"updated,omitempty"`
	Deleted    []string  `json:"deleted,omitempty"`
	Parents    []string  `json:"parents,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewChangeEvent describes batch. Id lists are sorted; Parents holds the
// distinct parents of created and updated documents.
func NewChangeEvent(source string, batch dbs.Batch, at time.Time) ChangeEvent {
	created := dbs.NewIDSet()
	updated := dbs.NewIDSet()
	parents := dbs.NewIDSet()
	for _, st := range batch.Creates {
		created.Add(st.ID())
		if p := st.ParentID(); p != "" {
			parents.Add(p)
		}
	}
	for _, st := range batch.Updates {
		updated.Add(st.ID())
		if p := st.ParentID(); p != "" {
			parents.Add(p)
		}
	}
	return ChangeEvent{
		Source:     source,
		Created:    nilIfEmpty(created.Sorted()),
		Updated:    nilIfEmpty(updated.Sorted()),
		Deleted:    nilIfEmpty(dbs.NewIDSet(batch.Deletes...).Sorted()),
		Parents:    nilIfEmpty(parents.Sorted()),
		OccurredAt: at.UTC(),
	}
}

// IDs returns every document id the event touches.
func (e ChangeEvent) IDs() []string {
	ids := dbs.NewIDSet(e.Created...)
	for _, id := range e.Updated {
		ids.Add(id)
	}
	for _, id := range e.Deleted {
		ids.Add(id)
	}
	return ids.Sorted()
}

// Encode renders the event as JSON.
func (e ChangeEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeChangeEvent parses a payload produced by Encode.
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	var evt ChangeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ChangeEvent{}, fmt.Errorf("changefeed: decode event: %w", err)
	}
	return evt, nil
}

func nilIfEmpty(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	return ids
}
