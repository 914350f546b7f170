package inspect

import (
	"testing"

	"github.com/pgdog/pgdog-core/internal/cluster"
)

var usersTable = []cluster.ShardedTable{
	{Name: "users", Column: "id", DataType: cluster.ShardKeyBigint},
}

func TestClassifySelectWithLiteralShardKey(t *testing.T) {
	meta := Classify("SELECT * FROM users WHERE id = 42", usersTable)
	if meta.Kind != Select {
		t.Fatalf("kind = %v, want Select", meta.Kind)
	}
	if len(meta.Tables) != 1 || meta.Tables[0] != "users" {
		t.Fatalf("tables = %v", meta.Tables)
	}
	if meta.ShardKey == nil || !meta.ShardKey.IsLiteral || meta.ShardKey.Literal != "42" {
		t.Fatalf("shard key = %+v", meta.ShardKey)
	}
}

func TestClassifySelectWithParamShardKey(t *testing.T) {
	meta := Classify("SELECT * FROM users WHERE id = $1", usersTable)
	if meta.ShardKey == nil || meta.ShardKey.IsLiteral || meta.ShardKey.ParamOrdinal != 1 {
		t.Fatalf("shard key = %+v", meta.ShardKey)
	}
}

func TestClassifySelectWithInList(t *testing.T) {
	meta := Classify("SELECT * FROM users WHERE id IN (1, 2, 3)", usersTable)
	if meta.ShardKey == nil || !meta.ShardKey.IsList {
		t.Fatalf("shard key = %+v", meta.ShardKey)
	}
	if len(meta.ShardKey.ListLiterals) != 3 {
		t.Fatalf("list = %v", meta.ShardKey.ListLiterals)
	}
}

func TestClassifyInsertExtractsShardKeyFromValues(t *testing.T) {
	meta := Classify("INSERT INTO users (id, name) VALUES ($1, $2)", usersTable)
	if meta.Kind != Insert {
		t.Fatalf("kind = %v", meta.Kind)
	}
	if meta.ShardKey == nil || meta.ShardKey.ParamOrdinal != 1 {
		t.Fatalf("shard key = %+v", meta.ShardKey)
	}
}

func TestClassifyInsertLiteralValues(t *testing.T) {
	meta := Classify("INSERT INTO users (name, id) VALUES ('alice', 99)", usersTable)
	if meta.ShardKey == nil || !meta.ShardKey.IsLiteral || meta.ShardKey.Literal != "99" {
		t.Fatalf("shard key = %+v", meta.ShardKey)
	}
}

func TestClassifyUpdateTable(t *testing.T) {
	meta := Classify("UPDATE users SET name = 'bob' WHERE id = 7", usersTable)
	if meta.Kind != Update {
		t.Fatalf("kind = %v", meta.Kind)
	}
	if meta.Tables[0] != "users" {
		t.Fatalf("tables = %v", meta.Tables)
	}
	if meta.ShardKey == nil || meta.ShardKey.Literal != "7" {
		t.Fatalf("shard key = %+v", meta.ShardKey)
	}
}

func TestClassifyTransactionControl(t *testing.T) {
	cases := map[string]Kind{
		"BEGIN":           TxnBegin,
		"START TRANSACTION": TxnBegin,
		"COMMIT":          TxnCommit,
		"ROLLBACK":        TxnRollback,
	}
	for sql, want := range cases {
		meta := Classify(sql, nil)
		if meta.Kind != want {
			t.Errorf("%q: kind = %v, want %v", sql, meta.Kind, want)
		}
		if !meta.TransactionalEffect {
			t.Errorf("%q: expected TransactionalEffect", sql)
		}
	}
}

func TestClassifySetCapturesNameAndValue(t *testing.T) {
	meta := Classify("SET statement_timeout = '30s'", nil)
	if meta.Kind != Set {
		t.Fatalf("kind = %v", meta.Kind)
	}
	if meta.SettingName != "statement_timeout" || meta.SettingValue != "30s" {
		t.Fatalf("name=%q value=%q", meta.SettingName, meta.SettingValue)
	}
}

func TestClassifySetLocal(t *testing.T) {
	meta := Classify("SET LOCAL search_path = public", nil)
	if meta.Kind != SetLocal {
		t.Fatalf("kind = %v", meta.Kind)
	}
}

func TestClassifyOrderByPositionAndName(t *testing.T) {
	meta := Classify("SELECT id, name FROM users ORDER BY 2 DESC, id ASC", usersTable)
	if len(meta.OrderBy) != 2 {
		t.Fatalf("order by = %+v", meta.OrderBy)
	}
	if meta.OrderBy[0].Position != 1 || meta.OrderBy[0].Direction != Desc {
		t.Fatalf("first term = %+v", meta.OrderBy[0])
	}
	if meta.OrderBy[1].Name != "id" || meta.OrderBy[1].Direction != Asc {
		t.Fatalf("second term = %+v", meta.OrderBy[1])
	}
}

func TestClassifyParsesLimit(t *testing.T) {
	meta := Classify("SELECT id FROM users ORDER BY id LIMIT 10", usersTable)
	if meta.Limit == nil || *meta.Limit != 10 {
		t.Fatalf("limit = %v, want 10", meta.Limit)
	}
}

func TestClassifyNoLimitLeavesNil(t *testing.T) {
	meta := Classify("SELECT id FROM users ORDER BY id", usersTable)
	if meta.Limit != nil {
		t.Fatalf("limit = %v, want nil", *meta.Limit)
	}
}

func TestClassifyAggregatesSupported(t *testing.T) {
	meta := Classify("SELECT COUNT(*), SUM(amount) FROM users", usersTable)
	if !meta.AggregatesSupported {
		t.Fatal("expected supported aggregates")
	}
	if len(meta.Aggregates) != 2 {
		t.Fatalf("aggregates = %+v", meta.Aggregates)
	}
	if meta.Aggregates[0].Kind != AggCount || meta.Aggregates[1].Kind != AggSum {
		t.Fatalf("aggregates = %+v", meta.Aggregates)
	}
}

func TestClassifyDistinctAggregateUnsupported(t *testing.T) {
	meta := Classify("SELECT COUNT(DISTINCT id) FROM users", usersTable)
	if meta.AggregatesSupported {
		t.Fatal("expected unsupported aggregates for DISTINCT")
	}
}

func TestClassifyStddevUnsupported(t *testing.T) {
	meta := Classify("SELECT STDDEV(amount) FROM users", usersTable)
	if meta.AggregatesSupported {
		t.Fatal("expected unsupported aggregates for STDDEV")
	}
}

func TestClassifyCommentHints(t *testing.T) {
	meta := Classify("/* pgdog_shard: 3 */ SELECT * FROM users", usersTable)
	if !meta.Hint.HasForcedShard || meta.Hint.ForcedShard != 3 {
		t.Fatalf("hint = %+v", meta.Hint)
	}
}

func TestClassifyShardingKeyHint(t *testing.T) {
	meta := Classify("/* pgdog_sharding_key: abc123 */ SELECT * FROM users", usersTable)
	if !meta.Hint.HasShardingKey || meta.Hint.ShardingKeyValue != "abc123" {
		t.Fatalf("hint = %+v", meta.Hint)
	}
}

func TestClassifyDdl(t *testing.T) {
	meta := Classify("CREATE TABLE foo (id int)", nil)
	if meta.Kind != Ddl {
		t.Fatalf("kind = %v", meta.Kind)
	}
}

func TestClassifyListenNotify(t *testing.T) {
	if Classify("LISTEN chan1", nil).Kind != Listen {
		t.Fatal("expected Listen")
	}
	if Classify("NOTIFY chan1, 'payload'", nil).Kind != Notify {
		t.Fatal("expected Notify")
	}
}

func TestClassifyUnknownOnEmpty(t *testing.T) {
	meta := Classify("   ", nil)
	if meta.Kind != Unknown {
		t.Fatalf("kind = %v, want Unknown", meta.Kind)
	}
}
