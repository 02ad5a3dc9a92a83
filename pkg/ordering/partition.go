package ordering

import (
	"fmt"
	"strconv"
)

// Kind names one family of ordered collections.
type Kind string

const (
	// KindMenus are the cartas of one establishment.
	KindMenus Kind = "cartas"
	// KindSections are the secciones of one carta.
	KindSections Kind = "secciones"
	// KindProducts are the productos of one seccion.
	KindProducts Kind = "productos"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMenus, KindSections, KindProducts:
		return true
	}
	return false
}

// ParentField is the column/json field that links a row of this kind to its parent.
func (k Kind) ParentField() string {
	switch k {
	case KindMenus:
		return "establecimiento_id"
	case KindSections:
		return "carta_id"
	case KindProducts:
		return "seccion_id"
	}
	return ""
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown collection kind %q", s)
	}
	return k, nil
}

// Partition is the parent scope inside which positions are unique and contiguous.
type Partition struct {
	Kind     Kind  `json:"kind"`
	ParentID int64 `json:"parent_id"`
}

func (p Partition) String() string {
	return string(p.Kind) + "/" + strconv.FormatInt(p.ParentID, 10)
}
