package db

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *sql.DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "nested", "mctl.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := openTest(t)
	if err := Migrate(database); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestProxyRegistry(t *testing.T) {
	database := openTest(t)

	if _, err := LookupProxy(database, "/dev/ttyUSB0"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("lookup on empty registry: %v", err)
	}

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Proxy{DevicePath: "/dev/ttyUSB0", Addr: "127.0.0.1:3000", SessionID: "s1", PID: 42, StartedAt: started}
	if err := RegisterProxy(database, p); err != nil {
		t.Fatal(err)
	}

	// re-registering replaces the owner
	p.SessionID, p.PID = "s2", 43
	if err := RegisterProxy(database, p); err != nil {
		t.Fatal(err)
	}
	got, err := LookupProxy(database, "/dev/ttyUSB0")
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "s2" || got.PID != 43 || got.Addr != "127.0.0.1:3000" || !got.StartedAt.Equal(started) {
		t.Fatalf("got %+v", got)
	}

	// the old owner cannot unregister the new one
	if err := RemoveProxy(database, "/dev/ttyUSB0", "s1"); err != nil {
		t.Fatal(err)
	}
	if all, _ := ListProxies(database); len(all) != 1 {
		t.Fatalf("stale remove deleted entry: %+v", all)
	}

	if err := RemoveProxy(database, "/dev/ttyUSB0", "s2"); err != nil {
		t.Fatal(err)
	}
	if all, _ := ListProxies(database); len(all) != 0 {
		t.Fatalf("entry not removed: %+v", all)
	}
}

func TestBoards(t *testing.T) {
	database := openTest(t)
	now := time.Now()

	boards := []Board{
		{DevicePath: "/dev/ttyACM0", Sysname: "rp2", Machine: "Raspberry Pi Pico", LastSeen: now.Add(-time.Hour)},
		{DevicePath: "/dev/ttyUSB0", Sysname: "esp32", UniqueID: sql.NullString{String: "abcd", Valid: true}, LastSeen: now},
	}
	for _, b := range boards {
		if err := SaveBoard(database, b); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ListBoards(database)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DevicePath != "/dev/ttyUSB0" {
		t.Fatalf("want most recent first, got %+v", got)
	}
	if !got[0].UniqueID.Valid || got[0].UniqueID.String != "abcd" || got[1].UniqueID.Valid {
		t.Fatalf("unique ids: %+v", got)
	}
}
