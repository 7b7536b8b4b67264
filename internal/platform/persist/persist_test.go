package persist

import (
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseBackend runs the behaviour every backend must share.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Load(ctx, KeyPatientRecords)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Save(ctx, KeyPatientRecords, []byte(`[{"id":"1"}]`)))
	data, err := b.Load(ctx, KeyPatientRecords)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"1"}]`, string(data))

	require.NoError(t, b.Save(ctx, KeyPatientRecords, []byte(`[]`)))
	data, err = b.Load(ctx, KeyPatientRecords)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))

	// keys are independent
	_, err = b.Load(ctx, KeyIdentities)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Delete(ctx, KeyPatientRecords))
	_, err = b.Load(ctx, KeyPatientRecords)
	require.ErrorIs(t, err, ErrNotFound)

	// deleting an absent key is not an error
	require.NoError(t, b.Delete(ctx, KeySession))
}

func TestMemory(t *testing.T) {
	exerciseBackend(t, NewMemory())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	payload := []byte(`{"a":1}`)
	require.NoError(t, m.Save(ctx, KeySession, payload))
	payload[0] = 'X'

	data, err := m.Load(ctx, KeySession)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemory().Save(ctx, KeySession, []byte(`{}`))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFile(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	exerciseBackend(t, f)
}

func TestFile_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, f.Save(context.Background(), KeyIdentities, []byte(`[]`)))

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.FileExists(t, filepath.Join(dir, KeyIdentities+".json"))
}

func TestSQLite(t *testing.T) {
	s, err := NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseBackend(t, s)
}

func TestSQLite_OnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "healthbook.db")
	s, err := NewSQLite(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), KeyCredentials, []byte(`{}`)))
	require.NoError(t, s.Close())

	reopened, err := NewSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	data, err := reopened.Load(context.Background(), KeyCredentials)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))
}

func TestSQLite_SaveFailureSurfacesAsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS state`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO state(bucket, payload)`)).
		WithArgs(KeyPatientRecords, sqlmock.AnyArg()).
		WillReturnError(errors.New("disk I/O error"))

	s, err := newSQLite(context.Background(), db)
	require.NoError(t, err)

	err = SaveJSON(context.Background(), s, KeyPatientRecords, []string{})
	require.ErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_LoadError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS state`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT payload FROM state WHERE bucket = ?`)).
		WithArgs(KeyIdentities).
		WillReturnError(errors.New("database is locked"))

	s, err := newSQLite(context.Background(), db)
	require.NoError(t, err)

	_, err = s.Load(context.Background(), KeyIdentities)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedisWithClient(client, "healthbook:")
	t.Cleanup(func() { _ = r.Close() })

	exerciseBackend(t, r)
}

func TestRedis_UsesPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+mr.Addr(), "hb:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Save(context.Background(), KeySession, []byte(`{"id":"doc1"}`)))
	got, err := mr.Get("hb:" + KeySession)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"doc1"}`, got)
}

func TestRedis_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "")
	t.Cleanup(func() { _ = r.Close() })
	mr.Close()

	err := SaveJSON(context.Background(), r, KeyPatientRecords, []string{})
	require.ErrorIs(t, err, ErrTransient)
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncrypted(t *testing.T) {
	enc, err := NewEncrypted(NewMemory(), testKey(t))
	require.NoError(t, err)
	exerciseBackend(t, enc)
}

func TestEncrypted_CiphertextAtRest(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	enc, err := NewEncrypted(mem, testKey(t))
	require.NoError(t, err)

	require.NoError(t, enc.Save(ctx, KeyPatientRecords, []byte(`[{"familyName":"Alami"}]`)))
	raw, err := mem.Load(ctx, KeyPatientRecords)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Alami")
}

func TestEncrypted_WrongKeyIsUndecryptable(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	a, err := NewEncrypted(mem, testKey(t))
	require.NoError(t, err)
	b, err := NewEncrypted(mem, testKey(t))
	require.NoError(t, err)

	require.NoError(t, a.Save(ctx, KeyIdentities, []byte(`[]`)))
	_, err = b.Load(ctx, KeyIdentities)
	require.ErrorIs(t, err, ErrUndecryptable)
	assert.NotErrorIs(t, err, ErrCorrupt)

	// the ciphertext survives the failed read
	data, err := a.Load(ctx, KeyIdentities)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))

	var out []map[string]any
	err = LoadJSON(ctx, b, KeyIdentities, &out)
	require.ErrorIs(t, err, ErrUndecryptable)
	assert.NotErrorIs(t, err, ErrCorrupt)
}

func TestEncrypted_PayloadBoundToKey(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	enc, err := NewEncrypted(mem, testKey(t))
	require.NoError(t, err)

	require.NoError(t, enc.Save(ctx, KeyIdentities, []byte(`[]`)))
	raw, err := mem.Load(ctx, KeyIdentities)
	require.NoError(t, err)
	require.NoError(t, mem.Save(ctx, KeyPatientRecords, raw))

	_, err = enc.Load(ctx, KeyPatientRecords)
	require.ErrorIs(t, err, ErrUndecryptable)
	assert.NotErrorIs(t, err, ErrCorrupt)
}

func TestNewEncrypted_RejectsShortKey(t *testing.T) {
	_, err := NewEncrypted(NewMemory(), []byte("short"))
	require.Error(t, err)
}

func TestLoadJSON_Corrupt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Save(ctx, KeyPatientRecords, []byte(`{not json`)))

	var out []map[string]any
	err := LoadJSON(ctx, m, KeyPatientRecords, &out)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadJSON_NotFound(t *testing.T) {
	var out []map[string]any
	err := LoadJSON(context.Background(), NewMemory(), KeyPatientRecords, &out)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveJSON_ExpiredContextIsNotTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SaveJSON(ctx, NewMemory(), KeySession, map[string]string{})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTransient)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, Options{Kind: KindMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	b, err = Open(ctx, Options{Kind: KindFile, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &File{}, b)

	b, err = Open(ctx, Options{Kind: KindSQLite, Path: ":memory:", EncryptionKey: testKey(t)})
	require.NoError(t, err)
	assert.IsType(t, &Encrypted{}, b)
	require.NoError(t, b.Close())

	_, err = Open(ctx, Options{Kind: "cassandra"})
	require.Error(t, err)
}
