// Package classify maps raw query execution failures to a closed set of
// error categories and builds the matching correction hint for query
// regeneration. The category set and the hint templates are co-designed:
// adding a category means adding its hint here in the same change.
package classify

import (
	"fmt"
	"strings"
)

// Category is the closed classification of why a candidate query failed.
type Category int

const (
	Unknown Category = iota
	Syntax
	UnsupportedFunction
	SchemaMismatch
	TypeMismatch
	TransportOrRuntime
)

func (c Category) String() string {
	switch c {
	case Syntax:
		return "syntax"
	case UnsupportedFunction:
		return "unsupported_function"
	case SchemaMismatch:
		return "schema_mismatch"
	case TypeMismatch:
		return "type_mismatch"
	case TransportOrRuntime:
		return "transport_or_runtime"
	default:
		return "unknown"
	}
}

// rule maps a lowercase substring of the raw error message to a category.
// Order matters: the first match wins, so more specific fragments come
// before generic ones.
type rule struct {
	fragment string
	category Category
}

var rules = []rule{
	{"no such function", UnsupportedFunction},
	{"no such table", SchemaMismatch},
	{"no such column", SchemaMismatch},
	{"has no column named", SchemaMismatch},
	{"ambiguous column name", SchemaMismatch},
	{"datatype mismatch", TypeMismatch},
	{"cannot be converted", TypeMismatch},
	{"syntax error", Syntax},
	{"unrecognized token", Syntax},
	{"incomplete input", Syntax},
	{"single statement", Syntax},
	{"only select statements", Syntax},
	{"database is locked", TransportOrRuntime},
	{"disk i/o error", TransportOrRuntime},
	{"interrupted", TransportOrRuntime},
	{"context deadline exceeded", TransportOrRuntime},
	{"context canceled", TransportOrRuntime},
	{"connection refused", TransportOrRuntime},
	{"connection reset", TransportOrRuntime},
}

// Classify maps a raw failure message to exactly one Category. It is total:
// every input, including the empty string, yields a category. Unrecognized
// messages map to Unknown.
func Classify(rawMessage string) Category {
	msg := strings.ToLower(rawMessage)
	for _, r := range rules {
		if strings.Contains(msg, r.fragment) {
			return r.category
		}
	}
	return Unknown
}

// Hint builds the category-specific correction instruction forwarded to the
// candidate generator on retry. schemaListing is the live dataset schema
// (table and column names); it is only consulted for SchemaMismatch.
func Hint(category Category, rawMessage, schemaListing string) string {
	switch category {
	case Syntax:
		return fmt.Sprintf(
			"The previous query failed with a syntax error: %s. "+
				"Write exactly one SELECT statement with no trailing clauses, "+
				"no multiple terminated statements, and balanced parentheses and quotes.",
			rawMessage)
	case UnsupportedFunction:
		return fmt.Sprintf(
			"The previous query called a function that is not available: %s. "+
				"Do not use that function again. Restrict yourself to SQLite built-ins "+
				"such as COUNT, SUM, AVG, MIN, MAX, ROUND, LOWER, UPPER, SUBSTR, DATE and STRFTIME.",
			rawMessage)
	case SchemaMismatch:
		return fmt.Sprintf(
			"The previous query referenced a table or column that does not exist: %s. "+
				"Use only the tables and columns listed below, spelled exactly as shown.\n%s",
			rawMessage, schemaListing)
	case TypeMismatch:
		return fmt.Sprintf(
			"The previous query compared or combined values of incompatible types: %s. "+
				"Check each comparison and aggregate against the declared column types "+
				"and add explicit CAST expressions where needed.",
			rawMessage)
	case TransportOrRuntime:
		return fmt.Sprintf(
			"The previous query failed for a runtime reason unrelated to its shape: %s. "+
				"Regenerate the same logical query, simplifying it where possible to reduce load.",
			rawMessage)
	default:
		return fmt.Sprintf(
			"The previous query failed: %s. "+
				"Re-read the task, then generate a corrected single SELECT statement.",
			rawMessage)
	}
}
