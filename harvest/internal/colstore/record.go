package colstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/harvest/harvest/internal/frame"
	"github.com/hazyhaar/harvest/harvest/internal/record"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return record.Epoch.UnixNano()
	}
	return t.UnixNano()
}

func writeRecord(ctx context.Context, x execer, rec record.Record) error {
	subset, err := json.Marshal(rec.Subset)
	if err != nil {
		return fmt.Errorf("colstore: encode subset: %w", err)
	}
	var kind string
	if !frame.IsNull(rec.MaxIndex) {
		kind = frame.KindOf(rec.MaxIndex).String()
	}
	_, err = x.ExecContext(ctx,
		`INSERT OR REPLACE INTO record (id, name, completed, retry_times, index_col,
		max_index_kind, max_index, completed_time, subset, freq, next_time, last_date,
		memo, row_count)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.Completed, rec.RetryTimes, rec.IndexCol,
		kind, encode(rec.MaxIndex), nanos(rec.CompletedTime), string(subset), rec.Freq,
		nanos(rec.NextTime), nanos(rec.LastDate), rec.Memo, rec.Rows,
	)
	if err != nil {
		return fmt.Errorf("colstore: write record: %w", err)
	}
	return nil
}

func readRecord(ctx context.Context, q querier) (record.Record, error) {
	var (
		rec                            record.Record
		kind, subset                   string
		maxIndex                       any
		completedTime, nextTime, lastD int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT name, completed, retry_times, index_col, max_index_kind, max_index,
		completed_time, subset, freq, next_time, last_date, memo, row_count
		FROM record WHERE id = 1`,
	).Scan(&rec.Name, &rec.Completed, &rec.RetryTimes, &rec.IndexCol, &kind, &maxIndex,
		&completedTime, &subset, &rec.Freq, &nextTime, &lastD, &rec.Memo, &rec.Rows)
	if err != nil {
		return record.Record{}, err
	}
	if kind != "" {
		k, err := frame.ParseKind(kind)
		if err != nil {
			return record.Record{}, fmt.Errorf("colstore: record max_index: %w", err)
		}
		rec.MaxIndex = decode(maxIndex, k)
	}
	if err := json.Unmarshal([]byte(subset), &rec.Subset); err != nil {
		return record.Record{}, fmt.Errorf("colstore: decode subset: %w", err)
	}
	rec.CompletedTime = time.Unix(0, completedTime).UTC()
	rec.NextTime = time.Unix(0, nextTime).UTC()
	rec.LastDate = time.Unix(0, lastD).UTC()
	return rec, nil
}
