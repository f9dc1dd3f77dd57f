// Package schema holds the feature table layout shared by the SQL feature stores.
package schema

import (
	"regexp"
	"sort"
)

// Table is the name of the feature table.
const Table = "feature_rows"

// BaseColumns are the candle columns every row carries, in insert order.
var BaseColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

var featureNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// IsBaseColumn reports whether name is one of the candle columns.
func IsBaseColumn(name string) bool {
	for _, c := range BaseColumns {
		if c == name {
			return true
		}
	}
	return false
}

// ValidFeatureName reports whether name can become a feature column.
// Names are interpolated into DDL, so only lower-case identifiers pass.
func ValidFeatureName(name string) bool {
	return featureNamePattern.MatchString(name) && !IsBaseColumn(name)
}

// Columns is the set of feature columns known to exist in the table.
type Columns map[string]struct{}

// Has reports whether the column is known.
func (c Columns) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Add records a column.
func (c Columns) Add(name string) {
	c[name] = struct{}{}
}

// Clone returns an independent copy.
func (c Columns) Clone() Columns {
	out := make(Columns, len(c))
	for name := range c {
		out[name] = struct{}{}
	}
	return out
}

// Sorted returns the column names in ascending order.
func (c Columns) Sorted() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Quote returns the names as double-quoted SQL identifiers.
func Quote(names []string) []string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = `"` + n + `"`
	}
	return quoted
}
