package store

import (
	"context"
	"testing"
	"testing/fstest"
)

// --- Migrate ---

func TestMigrate(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	tableExists := func(t *testing.T, name string) bool {
		t.Helper()
		var exists bool
		err := testStore.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1)", name,
		).Scan(&exists)
		if err != nil {
			t.Fatalf("checking table existence: %v", err)
		}
		return exists
	}

	t.Run("applies pending file and records version", func(t *testing.T) {
		testFS := fstest.MapFS{
			"900_test_migrate.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_migrate_tbl (id INT);")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_migrate_tbl")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", "900_test_migrate.sql")
		})

		if err := testStore.Migrate(ctx, testFS); err != nil {
			t.Fatalf("Migrate failed: %v", err)
		}
		if !tableExists(t, "test_migrate_tbl") {
			t.Error("expected test_migrate_tbl to exist after migration")
		}

		// Second run is a no-op; re-executing CREATE TABLE would fail.
		if err := testStore.Migrate(ctx, testFS); err != nil {
			t.Fatalf("re-running Migrate failed: %v", err)
		}
	})

	t.Run("failing file leaves no table and no version", func(t *testing.T) {
		testFS := fstest.MapFS{
			"901_test_broken.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_broken_tbl (id INT); SELECT nope FROM nowhere;")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_broken_tbl")
		})

		if err := testStore.Migrate(ctx, testFS); err == nil {
			t.Fatal("expected error from broken migration")
		}
		if tableExists(t, "test_broken_tbl") {
			t.Error("broken migration was partially applied")
		}
		var recorded bool
		testStore.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", "901_test_broken.sql",
		).Scan(&recorded)
		if recorded {
			t.Error("broken migration was recorded")
		}
	})
}
