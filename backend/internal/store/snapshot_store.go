package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// SnapshotStore persists document checkpoints in MySQL, one row per
// (doc, revision). Old checkpoints are kept; recovery always reads the
// newest one.
//
//	CREATE TABLE document_snapshots (
//	    id        BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
//	    doc_id    VARCHAR(64)     NOT NULL,
//	    revision  BIGINT UNSIGNED NOT NULL,
//	    snapshot  MEDIUMBLOB      NOT NULL,
//	    saved_at  TIMESTAMP       NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	    UNIQUE KEY uq_doc_rev (doc_id, revision)
//	);
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// LoadSnapshot returns the newest checkpoint blob for a document together
// with its revision, or (nil, 0, nil) when it has never been checkpointed.
// The revision seeds the room's counter so later checkpoints keep ascending.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, docID string) ([]byte, uint64, error) {
	var (
		blob []byte
		rev  uint64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT revision, snapshot FROM document_snapshots WHERE doc_id = ? ORDER BY revision DESC, id DESC LIMIT 1`,
		docID,
	).Scan(&rev, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return blob, rev, nil
}

// SaveSnapshot inserts a checkpoint. A 1062 duplicate on (doc, revision)
// means another node already checkpointed this revision; converged replicas
// snapshot identically, so that is success, not failure.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, docID string, revision uint64, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (doc_id, revision, snapshot) VALUES (?, ?, ?)`,
		docID, revision, blob,
	)
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return nil
	}
	return err
}
