package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d := NewDB(zerolog.Nop())
	if err := d.Open(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	go d.Start()
	t.Cleanup(d.Close)
	return d
}

func TestPutLookup(t *testing.T) {
	d := newTestDB(t)

	mtime := time.Unix(0, 1700000000123456789)
	d.Put(Meta{
		Path: "/pics/cat.jpg", MTime: mtime, Size: 1234,
		Width: 800, Height: 600, Format: "jpeg",
	})

	got, ok := d.Lookup("/pics/cat.jpg", mtime, 1234)
	if !ok {
		t.Fatal("Lookup missed after Put")
	}
	if got.Width != 800 || got.Height != 600 || got.Format != "jpeg" {
		t.Errorf("Lookup = %+v", got)
	}
}

func TestLookupMiss(t *testing.T) {
	d := newTestDB(t)
	if _, ok := d.Lookup("/pics/absent.jpg", time.Now(), 1); ok {
		t.Error("Lookup hit on absent row")
	}
}

func TestLookupStale(t *testing.T) {
	d := newTestDB(t)

	mtime := time.Unix(0, 1700000000000000000)
	d.Put(Meta{Path: "/pics/cat.jpg", MTime: mtime, Size: 1234, Width: 800, Height: 600, Format: "jpeg"})

	if _, ok := d.Lookup("/pics/cat.jpg", mtime.Add(time.Second), 1234); ok {
		t.Error("Lookup hit with changed mtime")
	}
	if _, ok := d.Lookup("/pics/cat.jpg", mtime, 999); ok {
		t.Error("Lookup hit with changed size")
	}
}

func TestPutReplaces(t *testing.T) {
	d := newTestDB(t)

	old := time.Unix(0, 1700000000000000000)
	fresh := old.Add(time.Hour)
	d.Put(Meta{Path: "/pics/cat.jpg", MTime: old, Size: 10, Width: 100, Height: 50, Format: "png"})
	d.Put(Meta{Path: "/pics/cat.jpg", MTime: fresh, Size: 20, Width: 200, Height: 100, Format: "png"})

	got, ok := d.Lookup("/pics/cat.jpg", fresh, 20)
	if !ok {
		t.Fatal("Lookup missed after replace")
	}
	if got.Width != 200 {
		t.Errorf("Width = %d, want 200", got.Width)
	}
	if _, ok := d.Lookup("/pics/cat.jpg", old, 10); ok {
		t.Error("old revision still served after replace")
	}
}

func TestDelete(t *testing.T) {
	d := newTestDB(t)

	mtime := time.Unix(0, 1700000000000000000)
	d.Put(Meta{Path: "/pics/cat.jpg", MTime: mtime, Size: 10, Width: 1, Height: 1, Format: "png"})
	d.Delete("/pics/cat.jpg")

	if _, ok := d.Lookup("/pics/cat.jpg", mtime, 10); ok {
		t.Error("Lookup hit after Delete")
	}
}

func TestRename(t *testing.T) {
	d := newTestDB(t)

	mtime := time.Unix(0, 1700000000000000000)
	d.Put(Meta{Path: "/pics/cat.jpg", MTime: mtime, Size: 10, Width: 640, Height: 480, Format: "jpeg"})
	d.Rename("/pics/cat.jpg", "/pics/keep/cat.jpg")

	got, ok := d.Lookup("/pics/keep/cat.jpg", mtime, 10)
	if !ok {
		t.Fatal("Lookup missed after Rename")
	}
	if got.Width != 640 {
		t.Errorf("Width = %d, want 640", got.Width)
	}
	if _, ok := d.Lookup("/pics/cat.jpg", mtime, 10); ok {
		t.Error("old path still served after Rename")
	}
}

func TestRenameOntoExisting(t *testing.T) {
	d := newTestDB(t)

	mtime := time.Unix(0, 1700000000000000000)
	d.Put(Meta{Path: "/pics/a.jpg", MTime: mtime, Size: 10, Width: 1, Height: 1, Format: "png"})
	d.Put(Meta{Path: "/pics/b.jpg", MTime: mtime, Size: 20, Width: 2, Height: 2, Format: "png"})
	d.Rename("/pics/a.jpg", "/pics/b.jpg")

	got, ok := d.Lookup("/pics/b.jpg", mtime, 10)
	if !ok {
		t.Fatal("Lookup missed after conflicting Rename")
	}
	if got.Width != 1 {
		t.Errorf("Width = %d, want 1", got.Width)
	}
}

func TestNilDB(t *testing.T) {
	var d *DB
	if _, ok := d.Lookup("/pics/cat.jpg", time.Now(), 1); ok {
		t.Error("nil DB reported a hit")
	}
	d.Put(Meta{Path: "/pics/cat.jpg"})
	d.Delete("/pics/cat.jpg")
	d.Rename("/pics/a.jpg", "/pics/b.jpg")
	d.Close()
}

func TestCloseDrainsQueued(t *testing.T) {
	d := NewDB(zerolog.Nop())
	if err := d.Open(filepath.Join(t.TempDir(), "meta.db")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	go d.Start()

	mtime := time.Unix(0, 1700000000000000000)
	for i := 0; i < 10; i++ {
		d.Put(Meta{Path: "/pics/cat.jpg", MTime: mtime, Size: int64(i), Width: i, Height: i, Format: "png"})
	}
	d.Close()
	d.Close()
}
