package warehouse

import (
	"fmt"

	"github.com/lib/pq"
)

// quoteTable validates table against the known schema and returns a safely
// quoted identifier. Rejecting unknown tables here, rather than trusting
// pq.QuoteIdentifier alone, keeps a typo from silently querying the wrong
// relation.
func quoteTable(table string) (string, error) {
	if !isKnownTable(table) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	return pq.QuoteIdentifier(table), nil
}

// quoteColumn validates col against table's known columns and returns a
// safely quoted identifier.
func quoteColumn(table, col string) (string, error) {
	if !isKnownColumn(table, col) {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, col)
	}

	return pq.QuoteIdentifier(col), nil
}
