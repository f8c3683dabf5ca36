package sync

import (
	"strconv"

	"github.com/leadwave/wpsync/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys in the sync_state table.
const (
	CheckpointHistoryNewest = "history.newest_ts"
	CheckpointHistoryCount  = "history.messages"
	CheckpointLastConnected = "connection.last_connected_at"
)

// Reconciler manages history sync checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	return r.db.SetCheckpoint(key, value)
}

// GetCheckpoint retrieves a sync checkpoint value. Missing keys yield "".
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	v, _, err := r.db.Checkpoint(key)
	return v, err
}

// RecordBatch adds count to the ingested-history counter and moves the newest
// history timestamp forward.
func (r *Reconciler) RecordBatch(count int, newest int64) error {
	total, err := r.intCheckpoint(CheckpointHistoryCount)
	if err != nil {
		return err
	}
	if err := r.UpdateCheckpoint(CheckpointHistoryCount, strconv.FormatInt(total+int64(count), 10)); err != nil {
		return err
	}
	prev, err := r.intCheckpoint(CheckpointHistoryNewest)
	if err != nil {
		return err
	}
	if newest > prev {
		return r.UpdateCheckpoint(CheckpointHistoryNewest, strconv.FormatInt(newest, 10))
	}
	return nil
}

func (r *Reconciler) intCheckpoint(key string) (int64, error) {
	v, err := r.GetCheckpoint(key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.logger.Warn("discarding malformed checkpoint", zap.String("key", key), zap.String("value", v))
		return 0, nil
	}
	return n, nil
}
