// Package history keeps an automerge document per partition recording every committed order.
//
// The document root holds "order" (the ids as a JSON array string) and "version". Each committed
// reorder is one automerge change, so the change graph is the partition's audit log.
package history

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	json "github.com/goccy/go-json"

	"github.com/astromechza/nego/pkg/ordering"
	"github.com/astromechza/nego/pkg/store"
)

const (
	KeyOrder   = "order"
	KeyVersion = "version"
)

// Backend stores the saved document base64 encoded, the same way snapshots are kept in sqlite.
type Backend interface {
	LoadHistory(ctx context.Context, p ordering.Partition) (string, error)
	SaveHistory(ctx context.Context, p ordering.Partition, content string) error
}

type Recorder struct {
	backend Backend
	now     func() time.Time

	// one lock for all partitions; recording is a few milliseconds and off the request path
	lock sync.Mutex
}

func NewRecorder(backend Backend) *Recorder {
	return &Recorder{backend: backend, now: time.Now}
}

// Load returns the partition's document, or an empty one if nothing was recorded yet.
func (r *Recorder) Load(ctx context.Context, p ordering.Partition) (*automerge.Doc, error) {
	raw, err := r.backend.LoadHistory(ctx, p)
	if errors.Is(err, store.ErrNotFound) {
		return automerge.New(), nil
	} else if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to base64 decode history of %s: %w", p, err)
	}
	doc, err := automerge.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", p, err)
	}
	return doc, nil
}

// Record commits one order of the partition as a new change. Orders arriving after a newer version
// was recorded are skipped so the document head is always the latest committed order.
func (r *Recorder) Record(ctx context.Context, p ordering.Partition, version int64, ids []int64, message string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	doc, err := r.Load(ctx, p)
	if err != nil {
		return err
	}
	if recorded := versionAt(doc); recorded >= version {
		slog.Debug("skipped stale order", "partition", p.String(), "version", version, "recorded", recorded)
		return nil
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	if err := doc.Path(KeyOrder).Set(string(encoded)); err != nil {
		return fmt.Errorf("failed to set order: %w", err)
	}
	if err := doc.Path(KeyVersion).Set(version); err != nil {
		return fmt.Errorf("failed to set version: %w", err)
	}
	now := r.now()
	hash, err := doc.Commit(message, automerge.CommitOptions{Time: &now, AllowEmpty: true})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	if err := r.backend.SaveHistory(ctx, p, base64.StdEncoding.EncodeToString(doc.Save())); err != nil {
		return err
	}
	slog.Debug("recorded order", "partition", p.String(), "version", version, "hash", hash.String())
	return nil
}

// Entry is one recorded order.
type Entry struct {
	Hash    string
	Actor   string
	Seq     uint64
	Parents []string
	Version int64
	Order   []int64
	Message string
	Time    time.Time
}

// Entries lists the recorded orders of a document, oldest first.
func Entries(doc *automerge.Doc) ([]Entry, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Entry, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		e := Entry{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
			Time:    change.Timestamp(),
		}
		for _, dep := range change.Dependencies() {
			e.Parents = append(e.Parents, dep.String())
		}
		if e.Order, err = orderAt(docAt); err != nil {
			return nil, fmt.Errorf("change %s: %w", change.Hash(), err)
		}
		e.Version = versionAt(docAt)
		out = append(out, e)
	}
	return out, nil
}

// Current is the latest recorded order of a document; nil if there is none.
func Current(doc *automerge.Doc) ([]int64, error) {
	return orderAt(doc)
}

func orderAt(doc *automerge.Doc) ([]int64, error) {
	value, err := doc.Path(KeyOrder).Get()
	if err != nil {
		return nil, err
	}
	raw, ok := value.Interface().(string)
	if !ok {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return ids, nil
}

func versionAt(doc *automerge.Doc) int64 {
	value, err := doc.Path(KeyVersion).Get()
	if err != nil {
		return 0
	}
	switch v := value.Interface().(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
