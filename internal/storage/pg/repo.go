package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/magstim-server/internal/audit"
)

// AuditRepo stim_events 表写入
type AuditRepo struct {
	Pool *pgxpool.Pool
}

var stimEventColumns = []string{
	"id", "device", "kind", "op", "args", "error_kind", "error_code", "error", "latency_ms", "created_at",
}

func eventRow(ev audit.Event) ([]any, error) {
	var args []byte
	if len(ev.Args) > 0 {
		b, err := json.Marshal(ev.Args)
		if err != nil {
			return nil, fmt.Errorf("marshal args of %s: %w", ev.Op, err)
		}
		args = b
	}
	return []any{
		ev.ID, ev.Device, ev.Kind, ev.Op, args, ev.ErrorKind, ev.ErrorCode, ev.Error,
		ev.Latency.Milliseconds(), ev.At,
	}, nil
}

// Insert 写入单条事件
func (r *AuditRepo) Insert(ctx context.Context, ev audit.Event) error {
	row, err := eventRow(ev)
	if err != nil {
		return err
	}
	const q = `INSERT INTO stim_events (id, device, kind, op, args, error_kind, error_code, error, latency_ms, created_at)
               VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
               ON CONFLICT (id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q, row...)
	return err
}

// InsertBatch 批量写入（COPY）
func (r *AuditRepo) InsertBatch(ctx context.Context, events []audit.Event) (int64, error) {
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		row, err := eventRow(ev)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	return r.Pool.CopyFrom(ctx, pgx.Identifier{"stim_events"}, stimEventColumns, pgx.CopyFromRows(rows))
}

// Ping 数据库探活
func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.Pool.Ping(ctx)
}

// WriteEvents 实现 audit.Sink
func (r *AuditRepo) WriteEvents(ctx context.Context, events []audit.Event) error {
	if len(events) == 1 {
		return r.Insert(ctx, events[0])
	}
	_, err := r.InsertBatch(ctx, events)
	return err
}
