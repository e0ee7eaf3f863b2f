package builtin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxQueryRows caps the rows returned by one sql_query call.
const maxQueryRows = 200

// SQLQuery is the built-in read-only SQL tool. Only a single SELECT
// statement is accepted, and only tables on the allowlist may appear in
// FROM or JOIN position.
type SQLQuery struct {
	log         *slog.Logger
	db          *sql.DB
	allowTables map[string]bool
}

// NewSQLQuery wraps an open database handle.
func NewSQLQuery(log *slog.Logger, db *sql.DB, allowTables []string) *SQLQuery {
	allowed := make(map[string]bool, len(allowTables))
	for _, t := range allowTables {
		allowed[strings.ToLower(t)] = true
	}

	return &SQLQuery{
		log:         log.With("component", "sql_query"),
		db:          db,
		allowTables: allowed,
	}
}

// Tool returns the tool registration for the set.
func (q *SQLQuery) Tool() *Tool {
	return &Tool{
		Def: NewTool(
			"sql_query",
			"Run a read-only SELECT against the media database",
			SimpleSchema(map[string]string{"query": "string"}),
		),
		Handler: q.handle,
	}
}

func (q *SQLQuery) handle(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := ParseArguments(req)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}

	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required"), nil
	}

	if err := q.validate(query); err != nil {
		return ErrorResult(err.Error()), nil
	}

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return ErrorResult("query failed: " + err.Error()), nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return ErrorResult("read columns: " + err.Error()), nil
	}

	var results []map[string]any

	for rows.Next() && len(results) < maxQueryRows {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))

		for i := range values {
			scanTargets[i] = &values[i]
		}

		if err := rows.Scan(scanTargets...); err != nil {
			return ErrorResult("scan row: " + err.Error()), nil
		}

		row := make(map[string]any, len(columns))

		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return ErrorResult("iterate rows: " + err.Error()), nil
	}

	payload, err := json.Marshal(map[string]any{
		"columns": columns,
		"rows":    results,
	})
	if err != nil {
		return ErrorResult("encode results: " + err.Error()), nil
	}

	return TextResult(string(payload)), nil
}

// validate enforces the read-only allowlist: one SELECT statement, no
// stacked statements, and every table in FROM/JOIN position allowlisted.
// String literals are stripped first so their contents never trip the
// keyword or statement checks.
func (q *SQLQuery) validate(query string) error {
	scrubbed := stripStringLiterals(query)
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(scrubbed), ";"))

	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("only a single statement is allowed")
	}

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") {
		return fmt.Errorf("only SELECT statements are allowed")
	}

	denied := map[string]bool{
		"PRAGMA": true, "ATTACH": true, "INSERT": true, "UPDATE": true,
		"DELETE": true, "DROP": true, "ALTER": true, "CREATE": true,
	}

	for _, token := range strings.Fields(upper) {
		token = strings.Trim(token, "();,")
		if denied[token] {
			return fmt.Errorf("statement contains disallowed keyword %s", token)
		}
	}

	for _, table := range referencedTables(trimmed) {
		if !q.allowTables[table] {
			return fmt.Errorf("table %q is not on the allowlist", table)
		}
	}

	return nil
}

// stripStringLiterals blanks out single-quoted SQL string literals,
// honoring the doubled-quote escape, leaving a space so surrounding
// tokens stay separated.
func stripStringLiterals(query string) string {
	var b strings.Builder

	b.Grow(len(query))

	inLiteral := false

	for i := 0; i < len(query); i++ {
		c := query[i]

		switch {
		case inLiteral && c == '\'':
			if i+1 < len(query) && query[i+1] == '\'' {
				i++ // escaped quote, still inside the literal

				continue
			}

			inLiteral = false

		case inLiteral:

		case c == '\'':
			inLiteral = true

			b.WriteByte(' ')

		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// referencedTables extracts the identifiers following FROM and JOIN,
// lowercased. Subqueries recurse naturally since their own FROM clauses
// are scanned by the same pass.
func referencedTables(query string) []string {
	fields := strings.Fields(query)

	var tables []string

	for i, f := range fields {
		upper := strings.ToUpper(f)
		if (upper == "FROM" || upper == "JOIN") && i+1 < len(fields) {
			name := strings.ToLower(strings.Trim(fields[i+1], "(),"))
			if name != "" && name != "select" {
				tables = append(tables, name)
			}
		}
	}

	return tables
}
