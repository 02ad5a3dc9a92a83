// Package store persists menus, sections and products in sqlite, one ordered partition per parent.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/nego/pkg/model"
	"github.com/astromechza/nego/pkg/ordering"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidPayload = errors.New("invalid reorder payload")
	ErrConflict       = errors.New("conflict")
)

type Store struct {
	database *sql.DB
	now      func() time.Time
}

// Open opens (creating if needed) the sqlite database at path and ensures the tables exist.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps reorder transactions from failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)
	s := &Store{database: db, now: time.Now}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) init(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id integer not null primary key autoincrement,
			kind text not null,
			parent_id integer not null,
			establecimiento_id integer not null default 0,
			nombre text not null,
			descripcion text,
			precio real,
			activo integer not null default 1,
			orden integer not null,
			created_at timestamp not null,
			updated_at timestamp not null
		)`,
		`CREATE INDEX IF NOT EXISTS entries_partition ON entries (kind, parent_id, orden)`,
		`CREATE TABLE IF NOT EXISTS partitions (
			kind text not null,
			parent_id integer not null,
			version integer not null,
			primary key (kind, parent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS histories (
			kind text not null,
			parent_id integer not null,
			content text not null,
			primary key (kind, parent_id)
		)`,
	} {
		if _, err := s.database.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	slog.Debug("ensured tables exist")
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const entryColumns = `id, kind, parent_id, establecimiento_id, nombre, descripcion, precio, activo, orden, created_at, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (model.Entry, error) {
	var e model.Entry
	var kind string
	var desc sql.NullString
	var price sql.NullFloat64
	if err := row.Scan(&e.ID, &kind, &e.ParentID, &e.EstablishmentID, &e.Name, &desc, &price, &e.Active, &e.Position, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	e.Kind = ordering.Kind(kind)
	if desc.Valid {
		e.Description = &desc.String
	}
	if price.Valid {
		e.Price = &price.Float64
	}
	return e, nil
}

func listPartition(ctx context.Context, q querier, p ordering.Partition) ([]model.Entry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE kind = ? AND parent_id = ? ORDER BY orden, id`, string(p.Kind), p.ParentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", p, err)
	}
	defer rows.Close()
	out := make([]model.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// List returns a partition by ascending position.
func (s *Store) List(ctx context.Context, p ordering.Partition) ([]model.Entry, error) {
	return listPartition(ctx, s.database, p)
}

func getEntry(ctx context.Context, q querier, kind ordering.Kind, id int64) (model.Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE kind = ? AND id = ?`, string(kind), id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("failed to get %s %d: %w", kind, id, err)
	}
	return e, nil
}

func (s *Store) Get(ctx context.Context, kind ordering.Kind, id int64) (model.Entry, error) {
	return getEntry(ctx, s.database, kind, id)
}

func version(ctx context.Context, q querier, p ordering.Partition) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT version FROM partitions WHERE kind = ? AND parent_id = ?`, string(p.Kind), p.ParentID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version of %s: %w", p, err)
	}
	return v, nil
}

func bumpVersion(ctx context.Context, q querier, p ordering.Partition) (int64, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO partitions (kind, parent_id, version) VALUES (?, ?, 1)
		ON CONFLICT (kind, parent_id) DO UPDATE SET version = version + 1`,
		string(p.Kind), p.ParentID,
	); err != nil {
		return 0, fmt.Errorf("failed to bump version of %s: %w", p, err)
	}
	return version(ctx, q, p)
}

// Version is the number of committed order changes of the partition.
func (s *Store) Version(ctx context.Context, p ordering.Partition) (int64, error) {
	return version(ctx, s.database, p)
}

func (s *Store) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()
	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Create appends a new entry at the end of its partition.
func (s *Store) Create(ctx context.Context, kind ordering.Kind, in model.NewEntry) (model.Entry, ordering.Partition, int64, error) {
	p := ordering.Partition{Kind: kind, ParentID: in.ParentID(kind)}
	if !kind.Valid() {
		return model.Entry{}, p, 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}
	if in.Name == "" {
		return model.Entry{}, p, 0, fmt.Errorf("%w: nombre is required", ErrInvalidPayload)
	}
	if p.ParentID == 0 {
		return model.Entry{}, p, 0, fmt.Errorf("%w: %s is required", ErrInvalidPayload, kind.ParentField())
	}

	var created model.Entry
	var v int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		establishment := p.ParentID
		switch kind {
		case ordering.KindSections:
			menu, err := getEntry(ctx, tx, ordering.KindMenus, p.ParentID)
			if err != nil {
				return err
			}
			establishment = menu.ParentID
		case ordering.KindProducts:
			section, err := getEntry(ctx, tx, ordering.KindSections, p.ParentID)
			if err != nil {
				return err
			}
			menu, err := getEntry(ctx, tx, ordering.KindMenus, section.ParentID)
			if err != nil {
				return err
			}
			establishment = menu.ParentID
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM entries WHERE kind = ? AND parent_id = ?`, string(kind), p.ParentID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count %s: %w", p, err)
		}
		active := true
		if in.Active != nil {
			active = *in.Active
		}
		now := s.now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO entries (kind, parent_id, establecimiento_id, nombre, descripcion, precio, activo, orden, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(kind), p.ParentID, establishment, in.Name, in.Description, in.Price, active, count, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", p, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read inserted id: %w", err)
		}
		if created, err = getEntry(ctx, tx, kind, id); err != nil {
			return err
		}
		v, err = bumpVersion(ctx, tx, p)
		return err
	})
	return created, p, v, err
}

// Delete removes an entry and compacts the positions of its siblings. Menus that still have
// sections are refused with ErrConflict; deleting a section deletes its products.
func (s *Store) Delete(ctx context.Context, kind ordering.Kind, id int64) (ordering.Partition, int64, error) {
	var p ordering.Partition
	var v int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		p = ordering.Partition{Kind: kind, ParentID: e.ParentID}

		switch kind {
		case ordering.KindMenus:
			var children int
			if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM entries WHERE kind = ? AND parent_id = ?`, string(ordering.KindSections), id).Scan(&children); err != nil {
				return fmt.Errorf("failed to count sections: %w", err)
			}
			if children > 0 {
				return fmt.Errorf("%w: menu %d still has %d sections", ErrConflict, id, children)
			}
		case ordering.KindSections:
			if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE kind = ? AND parent_id = ?`, string(ordering.KindProducts), id); err != nil {
				return fmt.Errorf("failed to delete products of section %d: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE kind = ? AND parent_id = ?`, string(ordering.KindProducts), id); err != nil {
				return fmt.Errorf("failed to delete product partition of section %d: %w", id, err)
			}
		}

		siblings, err := listPartition(ctx, tx, p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete %s %d: %w", kind, id, err)
		}
		remaining, _ := ordering.Remove(model.Items(siblings), id)
		if err := writePositions(ctx, tx, remaining, s.now().UTC()); err != nil {
			return err
		}
		v, err = bumpVersion(ctx, tx, p)
		return err
	})
	return p, v, err
}

// writePositions reindexes items by slice order and writes the positions that changed.
func writePositions(ctx context.Context, q querier, items []ordering.Item[int64, model.Entry], now time.Time) error {
	for i, it := range items {
		if it.Payload.Position == i {
			continue
		}
		if _, err := q.ExecContext(ctx, `UPDATE entries SET orden = ?, updated_at = ? WHERE id = ?`, i, now, it.ID); err != nil {
			return fmt.Errorf("failed to update position of %d: %w", it.ID, err)
		}
	}
	return nil
}

// Reorder overwrites the positions of one whole partition. When expected is non-nil the payload must
// belong to that partition. The payload must name every sibling exactly once with positions 0..n-1.
func (s *Store) Reorder(ctx context.Context, kind ordering.Kind, expected *ordering.Partition, pairs []ordering.Pair[int64]) (ordering.Partition, int64, error) {
	var p ordering.Partition
	var v int64
	if len(pairs) == 0 {
		return p, 0, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := ordering.ValidatePairs(pairs); err != nil {
		return p, 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		first, err := getEntry(ctx, tx, kind, pairs[0].ID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown %s id %d", ErrInvalidPayload, kind, pairs[0].ID)
		} else if err != nil {
			return err
		}
		p = ordering.Partition{Kind: kind, ParentID: first.ParentID}
		if expected != nil && *expected != p {
			return fmt.Errorf("%w: %s %d belongs to %s, not %s", ErrInvalidPayload, kind, first.ID, p, *expected)
		}

		siblings, err := listPartition(ctx, tx, p)
		if err != nil {
			return err
		}
		current := make(map[int64]model.Entry, len(siblings))
		for _, e := range siblings {
			current[e.ID] = e
		}
		for _, pr := range pairs {
			if _, ok := current[pr.ID]; !ok {
				if _, err := getEntry(ctx, tx, kind, pr.ID); errors.Is(err, ErrNotFound) {
					return fmt.Errorf("%w: unknown %s id %d", ErrInvalidPayload, kind, pr.ID)
				}
				return fmt.Errorf("%w: %s %d is not part of %s", ErrInvalidPayload, kind, pr.ID, p)
			}
		}
		if len(pairs) != len(siblings) {
			return fmt.Errorf("%w: payload has %d of %d items of %s", ErrInvalidPayload, len(pairs), len(siblings), p)
		}

		items := make([]ordering.Item[int64, model.Entry], len(pairs))
		for _, pr := range pairs {
			e := current[pr.ID]
			items[pr.Position] = e.Item()
		}
		if err := writePositions(ctx, tx, items, s.now().UTC()); err != nil {
			return err
		}
		v, err = bumpVersion(ctx, tx, p)
		return err
	})
	return p, v, err
}

// Partitions lists every partition that currently has entries.
func (s *Store) Partitions(ctx context.Context) ([]ordering.Partition, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT DISTINCT kind, parent_id FROM entries ORDER BY kind, parent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query partitions: %w", err)
	}
	defer rows.Close()
	var out []ordering.Partition
	for rows.Next() {
		var kind string
		var p ordering.Partition
		if err := rows.Scan(&kind, &p.ParentID); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		p.Kind = ordering.Kind(kind)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Repaired is one partition whose positions were re-densified.
type Repaired struct {
	Partition ordering.Partition
	Version   int64
	Entries   []model.Entry
}

// Repair re-densifies every partition whose positions are not exactly 0..n-1.
func (s *Store) Repair(ctx context.Context) ([]Repaired, error) {
	partitions, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Repaired
	for _, p := range partitions {
		var fixed *Repaired
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			entries, err := listPartition(ctx, tx, p)
			if err != nil {
				return err
			}
			items := model.Items(entries)
			if ordering.Validate(items) == nil {
				return nil
			}
			// listPartition already sorted by (orden, id), so reindexing in slice order is enough
			if err := writePositions(ctx, tx, items, s.now().UTC()); err != nil {
				return err
			}
			v, err := bumpVersion(ctx, tx, p)
			if err != nil {
				return err
			}
			normalized, _ := ordering.Normalize(items)
			fixed = &Repaired{Partition: p, Version: v}
			for _, it := range normalized {
				e := it.Payload
				e.Position = it.Position
				fixed.Entries = append(fixed.Entries, e)
			}
			return nil
		})
		if err != nil {
			return out, fmt.Errorf("failed to repair %s: %w", p, err)
		}
		if fixed != nil {
			out = append(out, *fixed)
		}
	}
	return out, nil
}

// LoadHistory returns the stored history document of a partition, or ErrNotFound.
func (s *Store) LoadHistory(ctx context.Context, p ordering.Partition) (string, error) {
	var content string
	err := s.database.QueryRowContext(ctx, `SELECT content FROM histories WHERE kind = ? AND parent_id = ?`, string(p.Kind), p.ParentID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("history of %s: %w", p, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load history of %s: %w", p, err)
	}
	return content, nil
}

func (s *Store) SaveHistory(ctx context.Context, p ordering.Partition, content string) error {
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO histories (kind, parent_id, content) VALUES (?, ?, ?)
		ON CONFLICT (kind, parent_id) DO UPDATE SET content = excluded.content`,
		string(p.Kind), p.ParentID, content,
	); err != nil {
		return fmt.Errorf("failed to save history of %s: %w", p, err)
	}
	return nil
}
