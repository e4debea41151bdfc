package triage

import (
	"cmp"
	"strings"
)

// DefaultQueueLimit is the page size used when a filter does not set one.
const DefaultQueueLimit = 100

// SortField is a column the queue can be ordered by.
type SortField string

const (
	FieldStatusRank SortField = "status_rank"
	FieldPriority   SortField = "priority"
	FieldScore      SortField = "score"
	FieldQueuedAt   SortField = "queued_at"
)

// OrderKey is one ORDER BY key. Stores translate Field through a fixed column
// map, so user input never reaches a query string.
type OrderKey struct {
	Field SortField
	Desc  bool
}

// DefaultOrder surfaces the most actionable, longest-waiting items first.
var DefaultOrder = []OrderKey{
	{Field: FieldStatusRank},
	{Field: FieldPriority, Desc: true},
	{Field: FieldQueuedAt},
}

var sortTokens = map[string]OrderKey{
	"status":   {Field: FieldStatusRank},
	"priority": {Field: FieldPriority, Desc: true},
	"score":    {Field: FieldScore, Desc: true},
	"time":     {Field: FieldQueuedAt, Desc: true},
	"time_asc": {Field: FieldQueuedAt},
}

// ParseSort resolves a comma-separated sort spec into order keys, left to right.
// Unknown tokens are skipped; if nothing is recognised the default order is returned.
func ParseSort(spec string) []OrderKey {
	var keys []OrderKey
	for _, tok := range strings.Split(spec, ",") {
		if k, ok := sortTokens[strings.TrimSpace(tok)]; ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return append([]OrderKey(nil), DefaultOrder...)
	}
	return keys
}

// StatusRank orders statuses for triage: pending, assigned, done, then everything else.
func StatusRank(s Status) int {
	switch s {
	case StatusPending:
		return 1
	case StatusAssigned:
		return 2
	case StatusDone:
		return 3
	}
	return 4
}

// QueueFilter is the caller-facing queue request. All filters are optional and AND together.
type QueueFilter struct {
	Priority *int
	Status   Status
	Statuses []Status
	Source   string
	Search   string
	Sort     string
	Limit    int
	Offset   int
}

// QueueQuery is a resolved QueueFilter, ready for a Store.
type QueueQuery struct {
	Priority *int
	Statuses []Status
	Source   string
	Search   string
	Order    []OrderKey
	Limit    int
	Offset   int
}

// Resolve applies defaults and precedence rules: a status set wins over a
// single status, limit defaults to DefaultQueueLimit, offset to 0.
func (f QueueFilter) Resolve() QueueQuery {
	q := QueueQuery{
		Priority: f.Priority,
		Source:   f.Source,
		Search:   strings.TrimSpace(f.Search),
		Order:    ParseSort(f.Sort),
		Limit:    f.Limit,
		Offset:   f.Offset,
	}
	switch {
	case len(f.Statuses) > 0:
		q.Statuses = append([]Status(nil), f.Statuses...)
	case f.Status != "":
		q.Statuses = []Status{f.Status}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueueLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Matches reports whether an item passes the query filters. Used by stores
// that filter in process.
func (q QueueQuery) Matches(it *QueueItem, metadata string) bool {
	if q.Priority != nil && it.Priority != *q.Priority {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if it.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Source != "" && it.Source != q.Source {
		return false
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(it.Content), needle) &&
			!strings.Contains(strings.ToLower(metadata), needle) {
			return false
		}
	}
	return true
}

// CompareQueueItems orders two items by the given keys, falling back to id
// for a stable order. A missing score sorts last in either direction, matching
// NULLS LAST in the SQL stores.
func CompareQueueItems(a, b *QueueItem, order []OrderKey) int {
	for _, k := range order {
		var c int
		switch k.Field {
		case FieldStatusRank:
			c = cmp.Compare(StatusRank(a.Status), StatusRank(b.Status))
		case FieldPriority:
			c = cmp.Compare(a.Priority, b.Priority)
		case FieldScore:
			if (a.Score == nil) != (b.Score == nil) {
				if a.Score == nil {
					return 1
				}
				return -1
			}
			if a.Score != nil {
				c = cmp.Compare(*a.Score, *b.Score)
			}
		case FieldQueuedAt:
			c = a.QueuedAt.Compare(b.QueuedAt)
		}
		if c == 0 {
			continue
		}
		if k.Desc {
			return -c
		}
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
