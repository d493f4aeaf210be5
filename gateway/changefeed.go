package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mandiant/harbinger-sub002/bus"
	"github.com/mandiant/harbinger-sub002/logger"
)

// changefeedInterval is the entity_changes poll cadence
const changefeedInterval = 2 * time.Second

// Changefeed polls the entity_changes table and publishes each new row on
// the global topic. The table is written by the record store's mutation
// paths; polling decouples change fan-out from the mutations themselves.
type Changefeed struct {
	db     *sql.DB
	bus    *bus.Bus
	log    *zap.SugaredLogger
	lastID int64
}

// entityChange is the global-topic payload for one record mutation
type entityChange struct {
	Entity   string `json:"entity"`
	EntityID string `json:"entity_id"`
	Op       string `json:"op"`
}

// NewChangefeed creates a changefeed poller. lastID starts at the current
// maximum so historical changes are never replayed to a fresh process.
func NewChangefeed(db *sql.DB, b *bus.Bus) *Changefeed {
	log := logger.Get().Named("changefeed")

	var lastID int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM entity_changes`).Scan(&lastID); err != nil {
		log.Warnw("Failed to get last change ID, starting from 0", "error", err)
		lastID = 0
	}

	return &Changefeed{
		db:     db,
		bus:    b,
		log:    log,
		lastID: lastID,
	}
}

// Run polls until ctx is cancelled
func (f *Changefeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(changefeedInterval)
	defer ticker.Stop()

	f.log.Debugw("Changefeed started", "interval", changefeedInterval, "last_id", f.lastID)

	for {
		select {
		case <-ctx.Done():
			f.log.Debugw("Changefeed stopped")
			return nil
		case <-ticker.C:
			f.poll()
		}
	}
}

// poll publishes every change recorded since the last poll, in insertion
// order
func (f *Changefeed) poll() {
	rows, err := f.db.Query(
		`SELECT id, entity, entity_id, op, created_at FROM entity_changes WHERE id > ? ORDER BY id ASC`,
		f.lastID,
	)
	if err != nil {
		f.log.Warnw("Failed to query entity changes", "error", err)
		return
	}
	defer rows.Close()

	published := 0
	for rows.Next() {
		var (
			id        int64
			change    entityChange
			createdAt time.Time
		)
		if err := rows.Scan(&id, &change.Entity, &change.EntityID, &change.Op, &createdAt); err != nil {
			f.log.Warnw("Failed to scan entity change", "error", err)
			continue
		}

		payload, _ := json.Marshal(change)
		f.bus.Publish(bus.TopicGlobal, bus.Event{
			Type:      bus.EventChange,
			Payload:   payload,
			Timestamp: createdAt.Unix(),
		})

		f.lastID = id
		published++
	}
	if err := rows.Err(); err != nil {
		f.log.Warnw("Error iterating entity changes", "error", err)
	}

	if published > 0 {
		f.log.Debugw("Published entity changes", "count", published)
	}
}
