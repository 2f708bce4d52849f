package collab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS shapes (
	id text PRIMARY KEY,
	canvas_id text NOT NULL,
	shape_type text NOT NULL,
	x double precision NOT NULL,
	y double precision NOT NULL,
	width double precision NOT NULL,
	height double precision NOT NULL,
	fill text NOT NULL DEFAULT '',
	text_content text NOT NULL DEFAULT '',
	text_color text NOT NULL DEFAULT '',
	font_size double precision NOT NULL DEFAULT 0,
	is_locked boolean NOT NULL DEFAULT false,
	locked_by text NOT NULL DEFAULT '',
	locked_by_name text NOT NULL DEFAULT '',
	locked_by_color text NOT NULL DEFAULT '',
	created_by text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL,
	last_modified_by text NOT NULL DEFAULT '',
	last_modified_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS shapes_canvas_idx ON shapes (canvas_id);
`

const pgShapeColumns = `id, shape_type, x, y, width, height,
	fill, text_content, text_color, font_size,
	is_locked, locked_by, locked_by_name, locked_by_color,
	created_by, created_at, last_modified_by, last_modified_at`

// PgDocumentStore is the authoritative document collection on PostgreSQL:
// shapes keyed by id under a single canvas scope, transactional batched
// writes, and snapshot subscriptions driven by LISTEN/NOTIFY with a full
// re-read on every notification.
type PgDocumentStore struct {
	pool     *pgxpool.Pool
	canvasId string
	channel  string
}

func NewPgDocumentStore(ctx context.Context, databaseUrl string, canvasId string) (*PgDocumentStore, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PgDocumentStore{
		pool:     pool,
		canvasId: canvasId,
		channel:  "shapes_changed",
	}, nil
}

func (self *PgDocumentStore) Close() {
	self.pool.Close()
}

// CommitTransaction applies all ops in one transaction. Creates carrying a
// temporary id are assigned a permanent id, reported in the result. Writes
// are idempotent overwrites, so an at-least-once caller retry is safe.
func (self *PgDocumentStore) CommitTransaction(ctx context.Context, ops []*DocumentOp) (*CommitResult, error) {
	tx, err := self.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	assigned := map[string]string{}
	resolve := func(shapeId string) string {
		if permanentId, ok := assigned[shapeId]; ok {
			return permanentId
		}
		return shapeId
	}

	for _, op := range ops {
		switch op.Kind {
		case DocumentOpCreate:
			shape := op.Shape.Copy()
			if IsTempShapeId(shape.Id) {
				permanentId := NewShapeId()
				assigned[shape.Id] = permanentId
				shape.Id = permanentId
			}
			_, err = tx.Exec(
				ctx,
				`INSERT INTO shapes (canvas_id, `+pgShapeColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
				ON CONFLICT (id) DO UPDATE SET
					shape_type = EXCLUDED.shape_type,
					x = EXCLUDED.x, y = EXCLUDED.y,
					width = EXCLUDED.width, height = EXCLUDED.height,
					fill = EXCLUDED.fill,
					text_content = EXCLUDED.text_content,
					text_color = EXCLUDED.text_color,
					font_size = EXCLUDED.font_size,
					is_locked = EXCLUDED.is_locked,
					locked_by = EXCLUDED.locked_by,
					locked_by_name = EXCLUDED.locked_by_name,
					locked_by_color = EXCLUDED.locked_by_color,
					last_modified_by = EXCLUDED.last_modified_by,
					last_modified_at = EXCLUDED.last_modified_at`,
				self.canvasId,
				shape.Id, string(shape.Type), shape.X, shape.Y, shape.Width, shape.Height,
				shape.Fill, shape.Text, shape.TextColor, shape.FontSize,
				shape.IsLocked, shape.LockedBy, shape.LockedByName, shape.LockedByColor,
				shape.CreatedBy, shape.CreatedAt, shape.LastModifiedBy, shape.LastModifiedAt,
			)
		case DocumentOpUpdate:
			assignments, args := pgFieldUpdates(op.Fields)
			if len(assignments) == 0 {
				continue
			}
			args = append([]any{resolve(op.ShapeId), self.canvasId}, args...)
			_, err = tx.Exec(
				ctx,
				`UPDATE shapes SET `+strings.Join(assignments, ", ")+` WHERE id = $1 AND canvas_id = $2`,
				args...,
			)
		case DocumentOpDelete:
			_, err = tx.Exec(
				ctx,
				`DELETE FROM shapes WHERE id = $1 AND canvas_id = $2`,
				resolve(op.ShapeId), self.canvasId,
			)
		default:
			err = fmt.Errorf("unknown op kind: %q", op.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("commit %s %s: %w", op.Kind, op.ShapeId, err)
		}
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, self.channel, self.canvasId); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &CommitResult{Assigned: assigned}, nil
}

// pgFieldUpdates converts a partial update into SET assignments. Argument
// placeholders start at $3 ($1 id, $2 canvas).
func pgFieldUpdates(fields *ShapeFields) ([]string, []any) {
	assignments := []string{}
	args := []any{}
	add := func(column string, value any) {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)+3))
		args = append(args, value)
	}
	if fields.Type != nil {
		add("shape_type", string(*fields.Type))
	}
	if fields.X != nil {
		add("x", *fields.X)
	}
	if fields.Y != nil {
		add("y", *fields.Y)
	}
	if fields.Width != nil {
		add("width", *fields.Width)
	}
	if fields.Height != nil {
		add("height", *fields.Height)
	}
	if fields.Fill != nil {
		add("fill", *fields.Fill)
	}
	if fields.Text != nil {
		add("text_content", *fields.Text)
	}
	if fields.TextColor != nil {
		add("text_color", *fields.TextColor)
	}
	if fields.FontSize != nil {
		add("font_size", *fields.FontSize)
	}
	if fields.IsLocked != nil {
		add("is_locked", *fields.IsLocked)
	}
	if fields.LockedBy != nil {
		add("locked_by", *fields.LockedBy)
	}
	if fields.LockedByName != nil {
		add("locked_by_name", *fields.LockedByName)
	}
	if fields.LockedByColor != nil {
		add("locked_by_color", *fields.LockedByColor)
	}
	if fields.LastModifiedBy != nil {
		add("last_modified_by", *fields.LastModifiedBy)
	}
	if fields.LastModifiedAt != nil {
		add("last_modified_at", *fields.LastModifiedAt)
	}
	return assignments, args
}

// Subscribe delivers a full snapshot now and after every committed change.
// The listen connection re-establishes itself on error until unsubscribed.
func (self *PgDocumentStore) Subscribe(ctx context.Context, onSnapshot SnapshotFunction, onError ErrorFunction) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		for {
			if subCtx.Err() != nil {
				return
			}
			if err := self.listen(subCtx, onSnapshot); err != nil && subCtx.Err() == nil {
				func() {
					defer HandleCallbackError()
					onError(err)
				}()
				select {
				case <-subCtx.Done():
					return
				case <-time.After(1 * time.Second):
				}
			}
		}
	}()

	return cancel, nil
}

func (self *PgDocumentStore) listen(ctx context.Context, onSnapshot SnapshotFunction) error {
	conn, err := self.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{self.channel}.Sanitize()); err != nil {
		return err
	}

	deliver := func() error {
		shapes, err := self.readSnapshot(ctx)
		if err != nil {
			return err
		}
		func() {
			defer HandleCallbackError()
			onSnapshot(shapes)
		}()
		return nil
	}

	if err := deliver(); err != nil {
		return err
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if notification.Payload != self.canvasId {
			continue
		}
		if err := deliver(); err != nil {
			return err
		}
	}
}

func (self *PgDocumentStore) readSnapshot(ctx context.Context) ([]*Shape, error) {
	rows, err := self.pool.Query(
		ctx,
		`SELECT `+pgShapeColumns+` FROM shapes WHERE canvas_id = $1 ORDER BY created_at, id`,
		self.canvasId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shapes := []*Shape{}
	for rows.Next() {
		shape := &Shape{}
		var shapeType string
		err := rows.Scan(
			&shape.Id, &shapeType, &shape.X, &shape.Y, &shape.Width, &shape.Height,
			&shape.Fill, &shape.Text, &shape.TextColor, &shape.FontSize,
			&shape.IsLocked, &shape.LockedBy, &shape.LockedByName, &shape.LockedByColor,
			&shape.CreatedBy, &shape.CreatedAt, &shape.LastModifiedBy, &shape.LastModifiedAt,
		)
		if err != nil {
			return nil, err
		}
		shape.Type = ShapeType(shapeType)
		if err := shape.Validate(); err != nil {
			// reject out-of-schema rows at the boundary
			glog.Infof("[pgdoc]skipping invalid shape row: %v", err)
			continue
		}
		shapes = append(shapes, shape)
	}
	return shapes, rows.Err()
}
