package sqlstorage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	p "github.com/snowflk/commitdb/internal/persistence"
)

const commitColumns = `checkpoint_number, bucket_id, stream_id, stream_revision_from, stream_revision_to,
				commit_id, commit_stamp, commit_sequence, events, headers`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCommit(row scanner) (*p.CommitDocument, error) {
	var doc p.CommitDocument
	var stamp int64
	var events, headers []byte
	err := row.Scan(&doc.CheckpointNumber, &doc.BucketID, &doc.StreamID, &doc.StreamRevisionFrom, &doc.StreamRevisionTo,
		&doc.CommitID, &stamp, &doc.CommitSequence, &events, &headers)
	if err != nil {
		return nil, err
	}
	doc.CommitStamp = fromStamp(stamp)
	if err := json.Unmarshal(events, &doc.Events); err != nil {
		return nil, &p.SerializationError{Field: "events", Err: err}
	}
	if len(headers) > 0 {
		doc.Headers = headers
	}
	return &doc, nil
}

// Commit stamps are stored as UTC nanoseconds, which every dialect compares the same way.
func toStamp(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromStamp(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func commitWhere(f p.CommitFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, values ...interface{}) {
		conds = append(conds, cond)
		args = append(args, values...)
	}
	if f.BucketID != "" {
		add("bucket_id = ?", f.BucketID)
	}
	if len(f.ExcludeBucketIDs) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.ExcludeBucketIDs)), ", ")
		values := make([]interface{}, len(f.ExcludeBucketIDs))
		for i, b := range f.ExcludeBucketIDs {
			values[i] = b
		}
		add("bucket_id NOT IN ("+marks+")", values...)
	}
	if f.StreamID != "" {
		add("stream_id = ?", f.StreamID)
	}
	if f.MinRevision > 0 {
		add("stream_revision_to >= ?", f.MinRevision)
	}
	if f.MaxRevision > 0 {
		add("stream_revision_from <= ?", f.MaxRevision)
	}
	if !f.From.IsZero() {
		add("commit_stamp >= ?", toStamp(f.From))
	}
	if !f.To.IsZero() {
		add("commit_stamp < ?", toStamp(f.To))
	}
	if f.AfterCheckpoint > 0 {
		add("checkpoint_number > ?", f.AfterCheckpoint)
	}
	if f.ToCheckpoint > 0 {
		add("checkpoint_number <= ?", f.ToCheckpoint)
	}
	return where(conds), args
}

func streamWhere(f p.StreamFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.BucketID != "" {
		conds = append(conds, "bucket_id = ?")
		args = append(args, f.BucketID)
	}
	if f.StreamID != "" {
		conds = append(conds, "stream_id = ?")
		args = append(args, f.StreamID)
	}
	return where(conds), args
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// rowsCursor streams a result set. The rows hold a pooled connection until Close.
type rowsCursor struct {
	rows    *sql.Rows
	storage *Storage
	doc     *p.CommitDocument
	err     error
}

func (c *rowsCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = c.storage.classify("read commits", err)
		}
		return false
	}
	doc, err := scanCommit(c.rows)
	if err != nil {
		c.err = c.storage.classify("read commits", err)
		return false
	}
	c.doc = doc
	return true
}

func (c *rowsCursor) Document() *p.CommitDocument {
	return c.doc
}

func (c *rowsCursor) Err() error {
	return c.err
}

func (c *rowsCursor) Close() error {
	return c.rows.Close()
}
