package triage

import (
	"fmt"
	"strings"
)

// orderColumns maps sort fields to SQL shared by the SQL stores. Only these
// strings ever reach ORDER BY. The analysis table is aliased as a.
var orderColumns = map[SortField]string{
	FieldStatusRank: fmt.Sprintf(`CASE a.status WHEN '%s' THEN %d WHEN '%s' THEN %d WHEN '%s' THEN %d ELSE %d END`,
		StatusPending, StatusRank(StatusPending),
		StatusAssigned, StatusRank(StatusAssigned),
		StatusDone, StatusRank(StatusDone),
		StatusRank("")),
	FieldPriority: `a.priority`,
	FieldScore:    `a.score`,
	FieldQueuedAt: `a.queued_at`,
}

// OrderBySQL renders keys as an ORDER BY list without the keyword. Unknown
// fields are dropped, nulls sort last and a.id ascending breaks every tie, so
// the SQL order matches CompareQueueItems.
func OrderBySQL(keys []OrderKey) string {
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		col, ok := orderColumns[k.Field]
		if !ok {
			continue
		}
		dir := " ASC"
		if k.Desc {
			dir = " DESC"
		}
		if k.Field == FieldScore {
			dir += " NULLS LAST"
		}
		parts = append(parts, col+dir)
	}
	parts = append(parts, "a.id ASC")
	return strings.Join(parts, ", ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike makes s match literally inside a LIKE pattern using backslash
// as the escape character.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}
