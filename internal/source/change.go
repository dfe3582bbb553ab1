package source

import "github.com/kjannette/pricesync/internal/models"

type ChangeKind int

const (
	// Snapshot replaces the whole collection.
	Snapshot ChangeKind = iota
	// Upsert inserts or replaces records by ID.
	Upsert
	// Remove deletes records by ID.
	Remove
)

func (k ChangeKind) String() string {
	switch k {
	case Snapshot:
		return "snapshot"
	case Upsert:
		return "upsert"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one live update to a collection.
type Change struct {
	Kind    ChangeKind
	Records []models.Record
	IDs     []string
}

// Apply merges c into current and returns the new collection. current is
// not modified. Upserted records replace existing ones in place; new ones
// are appended in change order.
func Apply(current []models.Record, c Change) []models.Record {
	switch c.Kind {
	case Snapshot:
		return append([]models.Record{}, c.Records...)

	case Upsert:
		out := append([]models.Record{}, current...)
		index := make(map[string]int, len(out))
		for i, r := range out {
			index[r.ID] = i
		}
		for _, r := range c.Records {
			if i, ok := index[r.ID]; ok {
				out[i] = r
				continue
			}
			index[r.ID] = len(out)
			out = append(out, r)
		}
		return out

	case Remove:
		drop := make(map[string]struct{}, len(c.IDs))
		for _, id := range c.IDs {
			drop[id] = struct{}{}
		}
		out := make([]models.Record, 0, len(current))
		for _, r := range current {
			if _, ok := drop[r.ID]; !ok {
				out = append(out, r)
			}
		}
		return out
	}
	return append([]models.Record{}, current...)
}
