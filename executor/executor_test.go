package executor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgtype"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tealdb/teal/protocol"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	b, err := NewBackend(path, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// runStmt submits one statement and waits for the completion callback.
func runStmt(t *testing.T, cop *Cop, stmt string, params ...[]byte) *protocol.QueryResult {
	t.Helper()
	done := make(chan struct{}, 1)
	cop.SetTaskCallback(func() { done <- struct{}{} })
	require.NoError(t, cop.Submit(stmt, params...))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("statement never completed")
	}
	res := cop.Collect()
	require.NotNil(t, res)
	return res
}

func mustExec(t *testing.T, cop *Cop, stmt string, params ...[]byte) *protocol.QueryResult {
	t.Helper()
	res := runStmt(t, cop, stmt, params...)
	require.NoError(t, res.Err)
	return res
}

func TestCop_Select(t *testing.T) {
	b := newTestBackend(t)
	cop := b.NewCop()

	mustExec(t, cop, "CREATE TABLE pets (id INTEGER PRIMARY KEY, name TEXT)")
	mustExec(t, cop, "INSERT INTO pets (id, name) VALUES (1, 'rex'), (2, 'ada')")

	res := mustExec(t, cop, "SELECT id, name FROM pets ORDER BY id")
	require.Equal(t, "SELECT 2", res.Tag)
	require.Len(t, res.Columns, 2)
	require.Equal(t, "id", res.Columns[0].Name)
	require.Equal(t, "name", res.Columns[1].Name)
	require.Equal(t, [][][]byte{
		{[]byte("1"), []byte("rex")},
		{[]byte("2"), []byte("ada")},
	}, res.Rows)
}

func TestCop_ExecTags(t *testing.T) {
	b := newTestBackend(t)
	cop := b.NewCop()

	res := mustExec(t, cop, "CREATE TABLE t (x INTEGER)")
	require.Equal(t, "CREATE TABLE", res.Tag)

	res = mustExec(t, cop, "INSERT INTO t (x) VALUES (1)")
	require.Equal(t, "INSERT 0 1", res.Tag)

	res = mustExec(t, cop, "UPDATE t SET x = 2")
	require.Equal(t, "UPDATE 1", res.Tag)

	res = mustExec(t, cop, "DELETE FROM t")
	require.Equal(t, "DELETE 1", res.Tag)

	res = mustExec(t, cop, "DROP TABLE t")
	require.Equal(t, "DROP TABLE", res.Tag)
}

func TestCop_Params(t *testing.T) {
	b := newTestBackend(t)
	cop := b.NewCop()

	mustExec(t, cop, "CREATE TABLE kv (k TEXT, v TEXT)")
	mustExec(t, cop, "INSERT INTO kv (k, v) VALUES ($1, $2)", []byte("lang"), []byte("go"))

	res := mustExec(t, cop, "SELECT v FROM kv WHERE k = $1", []byte("lang"))
	require.Equal(t, [][][]byte{{[]byte("go")}}, res.Rows)
}

func TestCop_NullParam(t *testing.T) {
	b := newTestBackend(t)
	cop := b.NewCop()

	mustExec(t, cop, "CREATE TABLE kv (k TEXT, v TEXT)")
	mustExec(t, cop, "INSERT INTO kv (k, v) VALUES ($1, $2)", []byte("a"), nil)

	res := mustExec(t, cop, "SELECT v FROM kv WHERE k = $1", []byte("a"))
	require.Len(t, res.Rows, 1)
	require.Nil(t, res.Rows[0][0])
}

func TestCop_SyntaxError(t *testing.T) {
	b := newTestBackend(t)
	cop := b.NewCop()

	res := runStmt(t, cop, "SELEC 1")
	require.Error(t, res.Err)
	var coded interface{ Code() string }
	require.ErrorAs(t, res.Err, &coded)
	require.Equal(t, "42601", coded.Code())
}

func TestCop_UniqueViolation(t *testing.T) {
	b := newTestBackend(t)
	cop := b.NewCop()

	mustExec(t, cop, "CREATE TABLE u (id INTEGER PRIMARY KEY)")
	mustExec(t, cop, "INSERT INTO u (id) VALUES (1)")

	res := runStmt(t, cop, "INSERT INTO u (id) VALUES (1)")
	require.Error(t, res.Err)
	var coded interface{ Code() string }
	require.ErrorAs(t, res.Err, &coded)
	require.Equal(t, "23505", coded.Code())
}

func TestCop_Cancel(t *testing.T) {
	b := newTestBackend(t)
	cop := b.NewCop()

	done := make(chan struct{}, 1)
	cop.SetTaskCallback(func() { done <- struct{}{} })

	long := `WITH RECURSIVE cnt(x) AS (
		SELECT 1 UNION ALL SELECT x+1 FROM cnt LIMIT 1000000000
	) SELECT count(*) FROM cnt`
	require.NoError(t, cop.Submit(long))

	time.Sleep(50 * time.Millisecond)
	cop.Cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled statement never completed")
	}
	res := cop.Collect()
	require.NotNil(t, res)
	require.Error(t, res.Err)
}

func TestCop_SubmitBusy(t *testing.T) {
	b := newTestBackend(t)
	cop := b.NewCop()

	done := make(chan struct{}, 1)
	cop.SetTaskCallback(func() { done <- struct{}{} })

	long := `WITH RECURSIVE cnt(x) AS (
		SELECT 1 UNION ALL SELECT x+1 FROM cnt LIMIT 100000000
	) SELECT count(*) FROM cnt`
	require.NoError(t, cop.Submit(long))
	require.Error(t, cop.Submit("SELECT 1"))

	cop.Cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("statement never completed")
	}
}

func TestCop_Reset(t *testing.T) {
	b := newTestBackend(t)
	cop := b.NewCop()

	mustExec(t, cop, "CREATE TABLE t (x INTEGER)")

	done := make(chan struct{}, 1)
	cop.SetTaskCallback(func() { done <- struct{}{} })
	require.NoError(t, cop.Submit("SELECT 1"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("statement never completed")
	}

	cop.Reset()
	require.Nil(t, cop.Collect())
}

func TestRewritePlaceholders(t *testing.T) {
	require.Equal(t,
		"SELECT * FROM t WHERE a = ?1 AND b = ?2",
		rewritePlaceholders("SELECT * FROM t WHERE a = $1 AND b = $2"))
	require.Equal(t,
		"UPDATE t SET v = ?2 WHERE k = ?1",
		rewritePlaceholders("UPDATE t SET v = $2 WHERE k = $1"))
	require.Equal(t, "SELECT 1", rewritePlaceholders("SELECT 1"))
}

func TestOIDMapping(t *testing.T) {
	b := newTestBackend(t)
	cop := b.NewCop()

	mustExec(t, cop, "CREATE TABLE typed (i INTEGER, r REAL, s TEXT, bl BLOB)")
	mustExec(t, cop, "INSERT INTO typed VALUES (1, 1.5, 'x', x'00')")

	res := mustExec(t, cop, "SELECT i, r, s, bl FROM typed")
	require.Len(t, res.Columns, 4)
	require.Equal(t, uint32(pgtype.Int8OID), res.Columns[0].OID)
	require.Equal(t, uint32(pgtype.Float8OID), res.Columns[1].OID)
	require.Equal(t, uint32(pgtype.TextOID), res.Columns[2].OID)
	require.Equal(t, uint32(pgtype.ByteaOID), res.Columns[3].OID)
}
