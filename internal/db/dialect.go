package db

import (
	"fmt"
	"strings"
)

// JSONExtract returns the SQL fragment extracting a JSON value as text.
// Dotted paths descend into nested objects.
//
//	SQLite:   json_extract(col, '$.a.b')
//	Postgres: col::jsonb#>>'{a,b}'
func JSONExtract(driver, col, path string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb#>>'{%s}'", col, strings.ReplaceAll(path, ".", ","))
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, path)
}
