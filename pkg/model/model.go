// Package model has the wire types of the menu backend. Field names follow the backend's JSON.
package model

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/astromechza/nego/pkg/ordering"
)

// Menu is a carta of an establishment.
type Menu struct {
	ID              int64     `json:"id"`
	Name            string    `json:"nombre"`
	Active          bool      `json:"activa"`
	Position        int       `json:"orden"`
	EstablishmentID int64     `json:"establecimiento_id"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Section is a seccion of a carta.
type Section struct {
	ID        int64     `json:"id"`
	Name      string    `json:"nombre"`
	Position  int       `json:"orden"`
	MenuID    int64     `json:"carta_id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Product is a producto of a seccion.
type Product struct {
	ID              int64     `json:"id"`
	Name            string    `json:"nombre"`
	Description     *string   `json:"descripcion,omitempty"`
	Price           *float64  `json:"precio,omitempty"`
	Position        int       `json:"orden"`
	Active          bool      `json:"activo"`
	SectionID       int64     `json:"seccion_id"`
	EstablishmentID int64     `json:"establecimiento_id"`
	ImageURL        *string   `json:"imagen_url,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Entry is the kind-independent row carried through the ordering code.
type Entry struct {
	Kind            ordering.Kind
	ID              int64
	ParentID        int64
	EstablishmentID int64
	Name            string
	Position        int
	Active          bool
	Description     *string
	Price           *float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (e Entry) Item() ordering.Item[int64, Entry] {
	return ordering.Item[int64, Entry]{ID: e.ID, Position: e.Position, Payload: e}
}

// Wire converts the entry to the kind-specific JSON shape.
func (e Entry) Wire() any {
	switch e.Kind {
	case ordering.KindMenus:
		return Menu{ID: e.ID, Name: e.Name, Active: e.Active, Position: e.Position, EstablishmentID: e.ParentID, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
	case ordering.KindSections:
		return Section{ID: e.ID, Name: e.Name, Position: e.Position, MenuID: e.ParentID, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
	default:
		return Product{
			ID: e.ID, Name: e.Name, Description: e.Description, Price: e.Price, Position: e.Position, Active: e.Active,
			SectionID: e.ParentID, EstablishmentID: e.EstablishmentID, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
		}
	}
}

func (m Menu) Entry() Entry {
	return Entry{Kind: ordering.KindMenus, ID: m.ID, ParentID: m.EstablishmentID, EstablishmentID: m.EstablishmentID, Name: m.Name, Position: m.Position, Active: m.Active, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

func (s Section) Entry() Entry {
	return Entry{Kind: ordering.KindSections, ID: s.ID, ParentID: s.MenuID, Name: s.Name, Position: s.Position, Active: true, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

func (p Product) Entry() Entry {
	return Entry{
		Kind: ordering.KindProducts, ID: p.ID, ParentID: p.SectionID, EstablishmentID: p.EstablishmentID, Name: p.Name,
		Position: p.Position, Active: p.Active, Description: p.Description, Price: p.Price, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

// DecodeEntries parses a list response of the given kind.
func DecodeEntries(kind ordering.Kind, data []byte) ([]Entry, error) {
	var out []Entry
	switch kind {
	case ordering.KindMenus:
		var rows []Menu
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
		}
		for _, r := range rows {
			out = append(out, r.Entry())
		}
	case ordering.KindSections:
		var rows []Section
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
		}
		for _, r := range rows {
			out = append(out, r.Entry())
		}
	case ordering.KindProducts:
		var rows []Product
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
		}
		for _, r := range rows {
			out = append(out, r.Entry())
		}
	default:
		return nil, fmt.Errorf("unknown collection kind %q", kind)
	}
	return out, nil
}

// Items turns entries into ordering items without touching their positions.
func Items(entries []Entry) []ordering.Item[int64, Entry] {
	out := make([]ordering.Item[int64, Entry], len(entries))
	for i, e := range entries {
		out[i] = e.Item()
	}
	return out
}

// MenuOrder is the body of the menu reorder endpoint, which names the establishment explicitly.
type MenuOrder struct {
	EstablishmentID int64                  `json:"establecimiento_id"`
	Orders          []ordering.Pair[int64] `json:"ordenes"`
}

// NewEntry is the create request body. Only the parent field of the kind is sent.
type NewEntry struct {
	Name            string   `json:"nombre"`
	EstablishmentID int64    `json:"establecimiento_id,omitempty"`
	MenuID          int64    `json:"carta_id,omitempty"`
	SectionID       int64    `json:"seccion_id,omitempty"`
	Description     *string  `json:"descripcion,omitempty"`
	Price           *float64 `json:"precio,omitempty"`
	Active          *bool    `json:"activo,omitempty"`
}

// ParentID picks the parent field matching kind.
func (n NewEntry) ParentID(kind ordering.Kind) int64 {
	switch kind {
	case ordering.KindMenus:
		return n.EstablishmentID
	case ordering.KindSections:
		return n.MenuID
	case ordering.KindProducts:
		return n.SectionID
	}
	return 0
}

// Message is the generic {"message": ...} body used for errors and some acknowledgements.
type Message struct {
	Message string `json:"message"`
}

// OrderEvent is pushed to watchers after a committed reorder.
type OrderEvent struct {
	Kind     ordering.Kind          `json:"kind"`
	ParentID int64                  `json:"parent_id"`
	Version  int64                  `json:"version"`
	Orders   []ordering.Pair[int64] `json:"ordenes"`
}

func (e OrderEvent) Partition() ordering.Partition {
	return ordering.Partition{Kind: e.Kind, ParentID: e.ParentID}
}
