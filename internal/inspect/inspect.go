// Package inspect implements the query inspector: a best-effort SQL
// classifier over incoming Query/Parse/Bind messages. It never executes or
// fully parses SQL — it extracts just enough structure (statement kind,
// target tables, shard-key literal, ORDER BY / aggregate shape) to drive
// routing decisions. Ambiguous or unparseable input degrades to
// kind=Unknown rather than guessing, per spec §4.2.
//
// This mirrors the teacher's string-sniffing style in
// proxy/pg_relay.go (detectSessionPin, pinReason): no SQL grammar, just
// targeted regexes and token scanning over the upper-cased statement.
package inspect

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pgdog/pgdog-core/internal/cluster"
)

// Kind classifies a statement for routing purposes.
type Kind int

const (
	Unknown Kind = iota
	Select
	Insert
	Update
	Delete
	Ddl
	TxnBegin
	TxnCommit
	TxnRollback
	Set
	SetLocal
	Listen
	Notify
	Copy
	Prepare
	Execute
	Deallocate
	ShowLikeAdmin
)

func (k Kind) String() string {
	switch k {
	case Select:
		return "Select"
	case Insert:
		return "Insert"
	case Update:
		return "Update"
	case Delete:
		return "Delete"
	case Ddl:
		return "Ddl"
	case TxnBegin:
		return "TxnBegin"
	case TxnCommit:
		return "TxnCommit"
	case TxnRollback:
		return "TxnRollback"
	case Set:
		return "Set"
	case SetLocal:
		return "SetLocal"
	case Listen:
		return "Listen"
	case Notify:
		return "Notify"
	case Copy:
		return "Copy"
	case Prepare:
		return "Prepare"
	case Execute:
		return "Execute"
	case Deallocate:
		return "Deallocate"
	case ShowLikeAdmin:
		return "ShowLikeAdmin"
	default:
		return "Unknown"
	}
}

// Direction is an ORDER BY sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// NullsOrder controls NULLS FIRST/LAST placement.
type NullsOrder int

const (
	NullsDefault NullsOrder = iota
	NullsFirst
	NullsLast
)

// OrderExpr is one ORDER BY term. Either Name or Position (0-based) is set;
// Name is resolved later against the RowDescription the gather layer
// receives from the backends.
type OrderExpr struct {
	Name      string
	Position  int // 0-based; -1 if resolved by Name instead
	Direction Direction
	Nulls     NullsOrder
}

// AggregateKind enumerates the aggregate shapes Classify recognizes in a
// target list. The gather layer does not read them: a cross-shard
// aggregate query returns each shard's aggregate row as is, without
// recombining them into one value.
type AggregateKind int

const (
	AggCount AggregateKind = iota
	AggSum
	AggMin
	AggMax
	AggAvg // recognized only; no caller rewrites it as SUM/COUNT
	AggUnsupported
)

// Aggregate describes one aggregate expression in the target list.
type Aggregate struct {
	Kind   AggregateKind
	Column string // empty for COUNT(*)
}

// ShardKeyRef identifies how a shard-key value is supplied: either a
// literal embedded in the SQL text, or a reference to a Bind parameter by
// 1-based ordinal (resolved once the Bind message arrives).
type ShardKeyRef struct {
	Literal      string
	IsLiteral    bool
	ParamOrdinal int // 1-based, valid when !IsLiteral
	IsList       bool
	ListLiterals []string // populated for "col IN (...)" with literal values
}

// CommentHint is the decoded content of a /* pgdog_* */ routing hint.
type CommentHint struct {
	ForcedShard      int
	HasForcedShard   bool
	ShardingKeyValue string
	HasShardingKey   bool
}

// QueryMeta is the inspector's output for one statement.
type QueryMeta struct {
	Kind                Kind
	Tables              []string
	ShardKey            *ShardKeyRef
	ShardColumn         string
	OrderBy             []OrderExpr
	Aggregates          []Aggregate
	AggregatesSupported bool
	TransactionalEffect bool // BEGIN/COMMIT/ROLLBACK or session-mutating
	Hint                CommentHint
	SettingName         string // for Set/SetLocal
	SettingValue        string
	IsInsertSelect      bool
	Limit               *int // nil if unset
}

var (
	reLeadingWord   = regexp.MustCompile(`(?i)^\s*([A-Za-z]+)`)
	reComment       = regexp.MustCompile(`/\*(.*?)\*/`)
	reShardHint     = regexp.MustCompile(`(?i)pgdog_shard\s*:\s*(\d+)`)
	reShardKeyHint  = regexp.MustCompile(`(?i)pgdog_sharding_key\s*:\s*([^\s*]+)`)
	reFromTable     = regexp.MustCompile(`(?i)\bFROM\s+"?([A-Za-z_][A-Za-z0-9_]*)"?`)
	reIntoTable     = regexp.MustCompile(`(?i)\bINTO\s+"?([A-Za-z_][A-Za-z0-9_]*)"?`)
	reUpdateTable   = regexp.MustCompile(`(?i)^\s*UPDATE\s+"?([A-Za-z_][A-Za-z0-9_]*)"?`)
	reOrderBy       = regexp.MustCompile(`(?i)ORDER\s+BY\s+(.+?)(?:\s+LIMIT\b|\s*$)`)
	reLimit         = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)
	reSetAssign     = regexp.MustCompile(`(?i)^\s*SET\s+(?:SESSION\s+)?(?:LOCAL\s+)?"?([A-Za-z_.0-9]+)"?\s*(?:=|TO)\s*(.+?);?\s*$`)
	reValuesTuple   = regexp.MustCompile(`(?i)VALUES\s*\((.*?)\)`)
	reColumnList    = regexp.MustCompile(`\(([^()]*)\)`)
)

// Classify inspects a simple-query or Parse/Bind SQL string and returns
// its QueryMeta. tables is the sharded-table metadata from cluster config,
// used to recognize the sharding column for the matched target table.
func Classify(sql string, tables []cluster.ShardedTable) QueryMeta {
	meta := QueryMeta{Kind: Unknown, AggregatesSupported: true}
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return meta
	}

	meta.Hint = parseCommentHints(trimmed)
	stripped := reComment.ReplaceAllString(trimmed, " ")

	word := strings.ToUpper(firstWord(stripped))
	switch word {
	case "SELECT", "WITH":
		meta.Kind = Select
		if m := reFromTable.FindStringSubmatch(stripped); m != nil {
			meta.Tables = append(meta.Tables, m[1])
		}
		meta.OrderBy = parseOrderBy(stripped)
		meta.Limit = parseLimit(stripped)
		meta.Aggregates, meta.AggregatesSupported = parseAggregates(stripped)
	case "INSERT":
		meta.Kind = Insert
		if m := reIntoTable.FindStringSubmatch(stripped); m != nil {
			meta.Tables = append(meta.Tables, m[1])
		}
		upper := strings.ToUpper(stripped)
		if strings.Contains(upper, "SELECT") && !strings.Contains(upper, "VALUES") {
			meta.IsInsertSelect = true
		}
	case "UPDATE":
		meta.Kind = Update
		if m := reUpdateTable.FindStringSubmatch(stripped); m != nil {
			meta.Tables = append(meta.Tables, m[1])
		}
	case "DELETE":
		meta.Kind = Delete
		if m := reFromTable.FindStringSubmatch(stripped); m != nil {
			meta.Tables = append(meta.Tables, m[1])
		}
	case "CREATE", "ALTER", "DROP", "TRUNCATE":
		meta.Kind = Ddl
	case "BEGIN", "START":
		meta.Kind = TxnBegin
		meta.TransactionalEffect = true
	case "COMMIT", "END":
		meta.Kind = TxnCommit
		meta.TransactionalEffect = true
	case "ROLLBACK", "ABORT":
		meta.Kind = TxnRollback
		meta.TransactionalEffect = true
	case "SET":
		if strings.Contains(strings.ToUpper(stripped), "LOCAL") {
			meta.Kind = SetLocal
		} else {
			meta.Kind = Set
		}
		meta.TransactionalEffect = true
		if m := reSetAssign.FindStringSubmatch(stripped); m != nil {
			meta.SettingName = strings.ToLower(m[1])
			meta.SettingValue = strings.Trim(strings.TrimSpace(m[2]), "'\"")
		}
	case "LISTEN":
		meta.Kind = Listen
		meta.TransactionalEffect = true
	case "NOTIFY":
		meta.Kind = Notify
		meta.TransactionalEffect = true
	case "COPY":
		meta.Kind = Copy
	case "PREPARE":
		meta.Kind = Prepare
	case "EXECUTE":
		meta.Kind = Execute
	case "DEALLOCATE":
		meta.Kind = Deallocate
	case "SHOW":
		if strings.Contains(strings.ToUpper(stripped), "PGDOG") {
			meta.Kind = ShowLikeAdmin
		} else {
			meta.Kind = Unknown
		}
	default:
		meta.Kind = Unknown
	}

	if len(meta.Tables) > 0 {
		for _, t := range tables {
			if t.Name == meta.Tables[0] {
				meta.ShardColumn = t.Column
				meta.ShardKey = extractShardKey(stripped, meta.Kind, t.Column)
				break
			}
		}
	}

	return meta
}

func firstWord(s string) string {
	m := reLeadingWord.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

func parseCommentHints(sql string) CommentHint {
	var hint CommentHint
	for _, m := range reComment.FindAllStringSubmatch(sql, -1) {
		body := m[1]
		if sm := reShardHint.FindStringSubmatch(body); sm != nil {
			if n, err := strconv.Atoi(sm[1]); err == nil {
				hint.ForcedShard = n
				hint.HasForcedShard = true
			}
		}
		if sm := reShardKeyHint.FindStringSubmatch(body); sm != nil {
			hint.ShardingKeyValue = sm[1]
			hint.HasShardingKey = true
		}
	}
	return hint
}

// extractShardKey looks for "col = literal", "col = $N", "col IN (...)",
// and for INSERT reads the VALUES tuple position of the sharding column.
func extractShardKey(sql string, kind Kind, column string) *ShardKeyRef {
	if column == "" {
		return nil
	}

	if kind == Insert {
		return extractInsertShardKey(sql, column)
	}

	// col = $N
	reParam := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(column) + `\s*=\s*\$(\d+)`)
	if m := reParam.FindStringSubmatch(sql); m != nil {
		n, _ := strconv.Atoi(m[1])
		return &ShardKeyRef{ParamOrdinal: n}
	}

	// col = 'literal' or col = 123
	reLit := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(column) + `\s*=\s*'([^']*)'`)
	if m := reLit.FindStringSubmatch(sql); m != nil {
		return &ShardKeyRef{Literal: m[1], IsLiteral: true}
	}
	reLitNum := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(column) + `\s*=\s*([0-9]+)\b`)
	if m := reLitNum.FindStringSubmatch(sql); m != nil {
		return &ShardKeyRef{Literal: m[1], IsLiteral: true}
	}

	// col IN (a, b, c)
	reIn := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(column) + `\s+IN\s*\(([^)]*)\)`)
	if m := reIn.FindStringSubmatch(sql); m != nil {
		var vals []string
		for _, part := range strings.Split(m[1], ",") {
			vals = append(vals, strings.Trim(strings.TrimSpace(part), "'"))
		}
		return &ShardKeyRef{IsList: true, ListLiterals: vals}
	}

	return nil
}

// extractInsertShardKey finds the sharding column's position in the
// INSERT column list and reads the corresponding VALUES tuple entry.
func extractInsertShardKey(sql string, column string) *ShardKeyRef {
	reCols := regexp.MustCompile(`(?i)INSERT\s+INTO\s+"?[A-Za-z_][A-Za-z0-9_]*"?\s*\(([^)]*)\)`)
	colMatch := reCols.FindStringSubmatch(sql)
	if colMatch == nil {
		return nil
	}
	cols := strings.Split(colMatch[1], ",")
	idx := -1
	for i, c := range cols {
		if strings.EqualFold(strings.TrimSpace(c), column) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	valMatch := reValuesTuple.FindStringSubmatch(sql)
	if valMatch == nil {
		return nil
	}
	vals := splitTuple(valMatch[1])
	if idx >= len(vals) {
		return nil
	}
	val := strings.TrimSpace(vals[idx])
	if strings.HasPrefix(val, "$") {
		n, err := strconv.Atoi(val[1:])
		if err != nil {
			return nil
		}
		return &ShardKeyRef{ParamOrdinal: n}
	}
	return &ShardKeyRef{Literal: strings.Trim(val, "'"), IsLiteral: true}
}

// splitTuple splits a VALUES(...) tuple on top-level commas, tolerating
// commas inside quoted strings.
func splitTuple(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// parseOrderBy extracts ORDER BY terms. Position-based refs use 0-based
// indexing internally (spec §4.2: "stored as 0-based").
func parseOrderBy(sql string) []OrderExpr {
	m := reOrderBy.FindStringSubmatch(sql)
	if m == nil {
		return nil
	}
	var exprs []OrderExpr
	for _, term := range strings.Split(m[1], ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		fields := strings.Fields(term)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		dir := Asc
		nulls := NullsDefault
		for _, f := range fields[1:] {
			switch strings.ToUpper(f) {
			case "ASC":
				dir = Asc
			case "DESC":
				dir = Desc
			case "FIRST":
				nulls = NullsFirst
			case "LAST":
				nulls = NullsLast
			}
		}
		expr := OrderExpr{Direction: dir, Nulls: nulls, Position: -1}
		if n, err := strconv.Atoi(name); err == nil {
			expr.Position = n - 1 // 1-based in SQL -> 0-based stored
		} else {
			expr.Name = strings.Trim(name, `"`)
		}
		exprs = append(exprs, expr)
	}
	return exprs
}

// parseLimit extracts a top-level LIMIT row count, used by the gather
// layer to truncate a cross-shard merge to exactly that many rows rather
// than returning every shard's full result set.
func parseLimit(sql string) *int {
	m := reLimit.FindStringSubmatch(sql)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

var reAggCall = regexp.MustCompile(`(?i)\b(COUNT|SUM|MIN|MAX|AVG)\s*\(\s*(\*|[A-Za-z_][A-Za-z0-9_.]*)\s*\)`)
var reDistinctCall = regexp.MustCompile(`(?i)\bDISTINCT\b`)
var reOtherAggCall = regexp.MustCompile(`(?i)\b(STDDEV|VARIANCE|ARRAY_AGG|STRING_AGG|PERCENTILE)\w*\s*\(`)

// parseAggregates finds the aggregate shapes that leave a query allowed
// for shard=All (COUNT/SUM/MIN/MAX/AVG); the gather layer passes each
// shard's aggregate row through and does not combine them. DISTINCT and any other
// aggregate function makes the whole query unsupported for shard=All,
// per spec §4.2 and the §9 open question on ordered-aggregate tie-breaking.
func parseAggregates(sql string) ([]Aggregate, bool) {
	if reDistinctCall.MatchString(sql) || reOtherAggCall.MatchString(sql) {
		return nil, false
	}
	matches := reAggCall.FindAllStringSubmatch(sql, -1)
	if matches == nil {
		return nil, true
	}
	var aggs []Aggregate
	for _, m := range matches {
		col := m[2]
		if col == "*" {
			col = ""
		}
		switch strings.ToUpper(m[1]) {
		case "COUNT":
			aggs = append(aggs, Aggregate{Kind: AggCount, Column: col})
		case "SUM":
			aggs = append(aggs, Aggregate{Kind: AggSum, Column: col})
		case "MIN":
			aggs = append(aggs, Aggregate{Kind: AggMin, Column: col})
		case "MAX":
			aggs = append(aggs, Aggregate{Kind: AggMax, Column: col})
		case "AVG":
			// Rewritten by the caller as SUM/COUNT over the same column.
			aggs = append(aggs, Aggregate{Kind: AggAvg, Column: col})
		}
	}
	return aggs, true
}
