package engine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	capsyncerrors "github.com/capsync/capsync/internal/errors"
	"github.com/capsync/capsync/pkg/types"
)

// makeImage builds a SQLite database image by running the given statements
// against a scratch file and returning its bytes.
func makeImage(t *testing.T, stmts ...string) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "image.sqlite")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// boxesImage is a minimal layout replica: one annotated-box table.
func boxesImage(t *testing.T, extra ...string) []byte {
	t.Helper()
	stmts := append([]string{
		`CREATE TABLE boxes (id INTEGER PRIMARY KEY, label TEXT, frame INTEGER)`,
	}, extra...)
	return makeImage(t, stmts...)
}

func openEngine(t *testing.T, image []byte) Engine {
	t.Helper()
	opener := &SQLiteOpener{Dir: t.TempDir()}
	eng, err := opener.Open(context.Background(), types.InstanceID{VideoID: "v1", Database: "layout"}, image)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestOpenRejectsCorruptImage(t *testing.T) {
	opener := &SQLiteOpener{Dir: t.TempDir()}
	_, err := opener.Open(context.Background(), types.InstanceID{VideoID: "v1", Database: "layout"},
		[]byte("this is not a database"))
	require.Error(t, err)
	assert.Equal(t, capsyncerrors.CodeCorruptImage, capsyncerrors.GetCode(err))
}

func TestOpenRejectsEmptyImage(t *testing.T) {
	opener := &SQLiteOpener{Dir: t.TempDir()}
	_, err := opener.Open(context.Background(), types.InstanceID{VideoID: "v1", Database: "layout"}, nil)
	require.Error(t, err)
	assert.Equal(t, capsyncerrors.CodeCorruptImage, capsyncerrors.GetCode(err))
}

func TestVersionStartsAtImageVersion(t *testing.T) {
	image := boxesImage(t,
		`CREATE TABLE _capsync_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`INSERT INTO _capsync_meta (key, value) VALUES ('version', '5')`,
	)
	eng := openEngine(t, image)

	version, err := eng.VersionInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), version)
}

func TestExecAdvancesVersion(t *testing.T) {
	eng := openEngine(t, boxesImage(t))
	ctx := context.Background()

	affected, err := eng.Exec(ctx, `INSERT INTO boxes (id, label, frame) VALUES (3, 'out', 12)`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	version, err := eng.VersionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	affected, err = eng.Exec(ctx, `UPDATE boxes SET label = 'in' WHERE id = 3`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	version, err = eng.VersionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	rs, err := eng.Query(ctx, `SELECT label FROM boxes WHERE id = ?`, 3)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, "in", rs.Rows[0][0])
}

func TestExecWithoutMatchesLeavesVersion(t *testing.T) {
	eng := openEngine(t, boxesImage(t))
	ctx := context.Background()

	affected, err := eng.Exec(ctx, `UPDATE boxes SET label = 'x' WHERE id = 999`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)

	version, err := eng.VersionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestQueryDoesNotAdvanceVersion(t *testing.T) {
	eng := openEngine(t, boxesImage(t))
	ctx := context.Background()

	_, err := eng.Query(ctx, `SELECT COUNT(*) FROM boxes`)
	require.NoError(t, err)

	version, err := eng.VersionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestChangesSinceRepeatable(t *testing.T) {
	eng := openEngine(t, boxesImage(t))
	ctx := context.Background()

	_, err := eng.Exec(ctx, `INSERT INTO boxes (id, label, frame) VALUES (1, 'a', 1)`)
	require.NoError(t, err)
	_, err = eng.Exec(ctx, `INSERT INTO boxes (id, label, frame) VALUES (2, 'b', 2)`)
	require.NoError(t, err)

	first, err := eng.ChangesSince(ctx, 0)
	require.NoError(t, err)
	second, err := eng.ChangesSince(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first.Records, 2)
	assert.Equal(t, int64(0), first.BaseVersion)
	assert.Equal(t, int64(2), first.Version)
}

func TestChangesSincePartial(t *testing.T) {
	eng := openEngine(t, boxesImage(t))
	ctx := context.Background()

	_, err := eng.Exec(ctx, `INSERT INTO boxes (id, label, frame) VALUES (1, 'a', 1)`)
	require.NoError(t, err)
	_, err = eng.Exec(ctx, `INSERT INTO boxes (id, label, frame) VALUES (2, 'b', 2)`)
	require.NoError(t, err)

	cs, err := eng.ChangesSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cs.Records, 1)
	assert.Equal(t, "2", cs.Records[0].PK)
	assert.Equal(t, types.OpInsert, cs.Records[0].Op)
}

func TestApplyChangesIdempotent(t *testing.T) {
	ctx := context.Background()
	image := boxesImage(t)

	source := openEngine(t, image)
	_, err := source.Exec(ctx, `INSERT INTO boxes (id, label, frame) VALUES (7, 'car', 31)`)
	require.NoError(t, err)
	_, err = source.Exec(ctx, `UPDATE boxes SET label = 'truck' WHERE id = 7`)
	require.NoError(t, err)

	cs, err := source.ChangesSince(ctx, 0)
	require.NoError(t, err)

	target := openEngine(t, image)
	require.NoError(t, target.ApplyChanges(ctx, cs))

	once, err := target.Query(ctx, `SELECT id, label, frame FROM boxes ORDER BY id`)
	require.NoError(t, err)

	require.NoError(t, target.ApplyChanges(ctx, cs))

	twice, err := target.Query(ctx, `SELECT id, label, frame FROM boxes ORDER BY id`)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	version, err := target.VersionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, cs.Version, version)
}

func TestApplyChangesDoesNotJournal(t *testing.T) {
	ctx := context.Background()
	image := boxesImage(t)

	source := openEngine(t, image)
	_, err := source.Exec(ctx, `INSERT INTO boxes (id, label, frame) VALUES (1, 'a', 1)`)
	require.NoError(t, err)
	cs, err := source.ChangesSince(ctx, 0)
	require.NoError(t, err)

	target := openEngine(t, image)
	require.NoError(t, target.ApplyChanges(ctx, cs))

	// Remote deltas must not re-enter the local change log.
	local, err := target.ChangesSince(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, local.Records)
}

func TestApplyChangesSkipsStaleDelta(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, boxesImage(t))

	newer := &types.ChangeSet{
		BaseVersion: 0,
		Version:     2,
		Records: []types.ChangeRecord{{
			Table: "boxes", PK: "1", Op: types.OpInsert, Version: 2,
			Row: []byte(`{"id":1,"label":"newer","frame":10}`),
		}},
	}
	stale := &types.ChangeSet{
		BaseVersion: 0,
		Version:     1,
		Records: []types.ChangeRecord{{
			Table: "boxes", PK: "1", Op: types.OpInsert, Version: 1,
			Row: []byte(`{"id":1,"label":"stale","frame":10}`),
		}},
	}

	require.NoError(t, eng.ApplyChanges(ctx, newer))
	require.NoError(t, eng.ApplyChanges(ctx, stale))

	rs, err := eng.Query(ctx, `SELECT label FROM boxes WHERE id = 1`)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, "newer", rs.Rows[0][0])
}

func TestApplyChangesDelete(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, boxesImage(t))

	_, err := eng.Exec(ctx, `INSERT INTO boxes (id, label, frame) VALUES (4, 'gone', 8)`)
	require.NoError(t, err)

	del := &types.ChangeSet{
		BaseVersion: 1,
		Version:     2,
		Records: []types.ChangeRecord{{
			Table: "boxes", PK: "4", Op: types.OpDelete, Version: 2,
		}},
	}
	require.NoError(t, eng.ApplyChanges(ctx, del))

	rs, err := eng.Query(ctx, `SELECT COUNT(*) FROM boxes`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rs.Rows[0][0])
}

func TestApplyChangesUnknownTable(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, boxesImage(t))

	bad := &types.ChangeSet{
		BaseVersion: 0,
		Version:     1,
		Records: []types.ChangeRecord{{
			Table: "no_such_table", PK: "1", Op: types.OpInsert, Version: 1,
			Row: []byte(`{"id":1}`),
		}},
	}
	err := eng.ApplyChanges(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, capsyncerrors.CodeApplyFailed, capsyncerrors.GetCode(err))
}

func TestDeleteJournaled(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, boxesImage(t))

	_, err := eng.Exec(ctx, `INSERT INTO boxes (id, label, frame) VALUES (9, 'tmp', 1)`)
	require.NoError(t, err)
	_, err = eng.Exec(ctx, `DELETE FROM boxes WHERE id = 9`)
	require.NoError(t, err)

	cs, err := eng.ChangesSince(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cs.Records, 1)
	assert.Equal(t, types.OpDelete, cs.Records[0].Op)
	assert.Equal(t, "9", cs.Records[0].PK)
	assert.Empty(t, cs.Records[0].Row)
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	eng := openEngine(t, boxesImage(t))
	require.NoError(t, eng.Close())

	_, err := eng.Query(context.Background(), `SELECT 1`)
	require.Error(t, err)
	assert.Equal(t, capsyncerrors.CodeEngineClosed, capsyncerrors.GetCode(err))

	// Close is idempotent.
	assert.NoError(t, eng.Close())
}

func TestChangeSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, boxesImage(t))

	_, err := eng.Exec(ctx, `INSERT INTO boxes (id, label, frame) VALUES (1, 'wire', 5)`)
	require.NoError(t, err)

	cs, err := eng.ChangesSince(ctx, 0)
	require.NoError(t, err)

	encoded, err := types.EncodeChangeSet(cs)
	require.NoError(t, err)
	decoded, err := types.DecodeChangeSet(encoded)
	require.NoError(t, err)
	assert.Equal(t, cs, decoded)
}
