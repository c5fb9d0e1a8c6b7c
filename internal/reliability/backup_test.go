package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/database"
)

type memObjectStore struct {
	objects map[string][]byte
	stored  map[string]time.Time
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{
		objects: map[string][]byte{},
		stored:  map[string]time.Time{},
	}
}

func (m *memObjectStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	m.stored[key] = time.Now()
	return nil
}

func (m *memObjectStore) List(ctx context.Context, prefix string) ([]StoredObject, error) {
	var out []StoredObject
	for key, data := range m.objects {
		out = append(out, StoredObject{Key: key, SizeBytes: int64(len(data)), LastModified: m.stored[key]})
	}
	return out, nil
}

func (m *memObjectStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func newBackupFixture(t *testing.T) (*BackupService, *memObjectStore) {
	t.Helper()
	dir := t.TempDir()
	databases := map[string]*database.DB{}
	for name, profile := range map[string]database.DatabaseProfile{
		"core":    database.ProfileStandard,
		"config":  database.ProfileStandard,
		"audit":   database.ProfileLedger,
		"runtime": database.ProfileCache,
	} {
		db, err := database.New(database.Config{
			Path:    filepath.Join(dir, name+".db"),
			Profile: profile,
			Name:    name,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		require.NoError(t, db.Migrate())
		databases[name] = db
	}

	store := newMemObjectStore()
	return NewBackupService(databases, store, dir, zerolog.Nop()), store
}

func TestBackupArchiveCarriesAllDatabasesAndManifest(t *testing.T) {
	svc, store := newBackupFixture(t)

	require.NoError(t, svc.Run(context.Background()))
	require.Len(t, store.objects, 1)

	var archive []byte
	for _, data := range store.objects {
		archive = data
	}

	entries := map[string]int64{}
	var manifest BackupManifest
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		entries[header.Name] = header.Size
		if header.Name == "manifest.json" {
			require.NoError(t, json.NewDecoder(tr).Decode(&manifest))
		}
	}

	for _, name := range []string{"core.db", "config.db", "audit.db", "runtime.db", "manifest.json"} {
		assert.Contains(t, entries, name)
	}
	require.Len(t, manifest.Databases, 4)
	for _, snap := range manifest.Databases {
		assert.Equal(t, entries[snap.Filename], snap.SizeBytes)
		assert.Contains(t, snap.Checksum, "sha256:")
	}
}

func TestListBackupsSortsNewestFirst(t *testing.T) {
	svc, store := newBackupFixture(t)
	ctx := context.Background()

	store.objects[backupPrefix+"2026-08-01-010000.tar.gz"] = []byte("a")
	store.objects[backupPrefix+"2026-08-20-010000.tar.gz"] = []byte("b")
	store.objects[backupPrefix+"2026-08-10-010000.tar.gz"] = []byte("c")
	store.objects["unrelated.txt"] = []byte("d")

	backups, err := svc.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, backupPrefix+"2026-08-20-010000.tar.gz", backups[0].Filename)
	assert.Equal(t, backupPrefix+"2026-08-01-010000.tar.gz", backups[2].Filename)
}

func TestRotateKeepsMinimumBackups(t *testing.T) {
	svc, store := newBackupFixture(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, -6, 0)
	for i := 0; i < 5; i++ {
		key := backupPrefix + old.AddDate(0, 0, i).Format(backupTimeLayout) + ".tar.gz"
		store.objects[key] = []byte("x")
	}

	require.NoError(t, svc.Rotate(ctx, 30*24*time.Hour))
	assert.Len(t, store.objects, minBackupsToKeep, "old archives beyond the floor are deleted")

	require.NoError(t, svc.Rotate(ctx, 30*24*time.Hour))
	assert.Len(t, store.objects, minBackupsToKeep, "rotation is idempotent at the floor")
}
