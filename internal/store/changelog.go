package store

import (
	"context"
	"database/sql"
	"time"
)

// Change operations, one per mutating call.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ChangeRecord is one durable change-log event. Seq is assigned by sqlite
// on append; Epoch is the collection epoch the mutation established.
type ChangeRecord struct {
	Seq        int64
	Op         string
	Collection string
	RecordID   string
	Epoch      uint64
	At         time.Time
}

func appendChangeTx(ctx context.Context, tx *sql.Tx, c ChangeRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (op, collection, record_id, epoch, ts)
		VALUES (?, ?, ?, ?, ?)
	`, c.Op, c.Collection, c.RecordID, int64(c.Epoch), c.At.UTC())
	return err
}

// AppendChange records a standalone change event.
func (s *Store) AppendChange(ctx context.Context, c ChangeRecord) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		return appendChangeTx(ctx, tx, c)
	})
}

// Changes returns up to limit events for a collection with seq > afterSeq,
// in log order. A limit <= 0 returns all matching events. An empty
// collection matches every collection.
func (s *Store) Changes(ctx context.Context, collection string, afterSeq int64, limit int) ([]ChangeRecord, error) {
	q := `SELECT seq, op, collection, record_id, epoch, ts FROM change_log WHERE seq > ?`
	args := []any{afterSeq}
	if collection != "" {
		q += ` AND collection = ?`
		args = append(args, collection)
	}
	q += ` ORDER BY seq`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var c ChangeRecord
		var epoch int64
		if err := rows.Scan(&c.Seq, &c.Op, &c.Collection, &c.RecordID, &epoch, &c.At); err != nil {
			return nil, err
		}
		c.Epoch = uint64(epoch)
		out = append(out, c)
	}
	return out, rows.Err()
}

// MaxEpoch returns the highest epoch recorded for a collection, so the
// counter survives restarts. Zero means no mutation has ever happened.
func (s *Store) MaxEpoch(ctx context.Context, collection string) (uint64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(epoch), 0) FROM change_log WHERE collection = ?
	`, collection).Scan(&epoch)
	if err != nil {
		return 0, err
	}
	return uint64(epoch), nil
}
