package vfs_test

// memfs exercised against the full VFS surface — mount, create, write,
// read back, rename, rmdir, unmount — as vfs's own black-box integration
// test.

import (
	"bytes"
	"context"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/memfs"
	"github.com/yatos-project/yatos/vfs"
)

func TestMemfsEndToEnd(t *testing.T) {
	ctx := context.Background()
	registry := vfs.NewRegistry()
	if err := registry.RegisterFileSystem("memfs", vfs.FSTypeNormal, memfs.New()); err != nil {
		t.Fatalf("RegisterFileSystem: %v", err)
	}

	mount, err := registry.Mount(ctx, "/", 0, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	root, err := vfs.GetVnode(ctx, registry, mount.ID(), mount.RootVnID())
	if err != nil {
		t.Fatalf("GetVnode(root): %v", err)
	}
	if !root.Mode().IsDir() {
		t.Fatalf("root v-node is not a directory")
	}

	dir, err := vfs.Mkdir(ctx, root, "sub", 0o755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	file, err := vfs.Create(ctx, dir, "greeting.txt", 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload := []byte("hello from the page cache")
	n, err := vfs.Write(ctx, file, nil, payload, 0)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Write n = %d, want %d", n, len(payload))
	}

	buf := make([]byte, len(payload)+16)
	n, err = vfs.Read(ctx, file, nil, buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("Read back %q, want %q", buf[:n], payload)
	}

	// A write that spans more than one page exercises the page-granular
	// loop in memfs's Write hook, not just a single Pool.Get/Put cycle.
	big := bytes.Repeat([]byte("x"), 9000)
	if _, err := vfs.Write(ctx, file, nil, big, 0); err != nil {
		t.Fatalf("Write (multi-page): %v", err)
	}
	bigBuf := make([]byte, len(big))
	n, err = vfs.Read(ctx, file, nil, bigBuf, 0)
	if err != nil {
		t.Fatalf("Read (multi-page): %v", err)
	}
	if !bytes.Equal(bigBuf[:n], big) {
		t.Fatalf("multi-page read-back mismatch")
	}
	vfs.PutVnode(file)

	entries, _, more, err := vfs.GetDents(ctx, dir, 0)
	if err != nil {
		t.Fatalf("GetDents: %v", err)
	}
	if more {
		t.Fatalf("GetDents reported more entries after a single small directory")
	}
	if len(entries) != 1 {
		t.Fatalf("GetDents = %+v, want exactly one entry", entries)
	}
	wantEntries := []vfs.Dirent{{Name: "greeting.txt", VnID: entries[0].VnID, Mode: entries[0].Mode}}
	if diff := pretty.Compare(entries, wantEntries); diff != "" {
		t.Fatalf("GetDents entries differ: (-got +want)\n%s", diff)
	}

	if err := vfs.Rename(ctx, dir, "greeting.txt", root, "greeting.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := vfs.Lookup(ctx, dir, "greeting.txt"); err != kerrno.NotFound {
		t.Fatalf("Lookup(old path) after Rename = %v, want NotFound", err)
	}
	moved, err := vfs.Lookup(ctx, root, "greeting.txt")
	if err != nil {
		t.Fatalf("Lookup(new path): %v", err)
	}
	vfs.PutVnode(moved)

	if err := vfs.Unlink(ctx, root, "greeting.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := vfs.Lookup(ctx, root, "greeting.txt"); err != kerrno.NotFound {
		t.Fatalf("Lookup after Unlink = %v, want NotFound", err)
	}

	if err := vfs.Rmdir(ctx, root, "sub"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if _, err := vfs.Lookup(ctx, root, "sub"); err != kerrno.NotFound {
		t.Fatalf("Lookup after Rmdir = %v, want NotFound", err)
	}

	// Unmount synchronously rejects a mount with any v-node still
	// referenced; release the two still-open v-nodes — the removed "sub"
	// directory and the mount's own root — before retrying.
	if err := registry.Unmount(mount.ID()); err != kerrno.Busy {
		t.Fatalf("Unmount while dir/root are still open = %v, want Busy", err)
	}
	vfs.PutVnode(dir)
	if err := registry.Unmount(mount.ID()); err != kerrno.Busy {
		t.Fatalf("Unmount while root is still open = %v, want Busy", err)
	}
	vfs.PutVnode(root)

	if err := registry.Unmount(mount.ID()); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
}

func TestMemfsRmdirRejectsNonEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	registry := vfs.NewRegistry()
	if err := registry.RegisterFileSystem("memfs", vfs.FSTypeNormal, memfs.New()); err != nil {
		t.Fatalf("RegisterFileSystem: %v", err)
	}
	mount, err := registry.Mount(ctx, "/", 0, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	root, err := vfs.GetVnode(ctx, registry, mount.ID(), mount.RootVnID())
	if err != nil {
		t.Fatalf("GetVnode(root): %v", err)
	}
	defer vfs.PutVnode(root)

	dir, err := vfs.Mkdir(ctx, root, "sub", 0o755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	defer vfs.PutVnode(dir)
	f, err := vfs.Create(ctx, dir, "f", 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	vfs.PutVnode(f)

	if err := vfs.Rmdir(ctx, root, "sub"); err != kerrno.Busy {
		t.Fatalf("Rmdir(non-empty) = %v, want Busy", err)
	}
}

func TestMemfsCreateDuplicateNameFails(t *testing.T) {
	ctx := context.Background()
	registry := vfs.NewRegistry()
	if err := registry.RegisterFileSystem("memfs", vfs.FSTypeNormal, memfs.New()); err != nil {
		t.Fatalf("RegisterFileSystem: %v", err)
	}
	mount, err := registry.Mount(ctx, "/", 0, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	root, err := vfs.GetVnode(ctx, registry, mount.ID(), mount.RootVnID())
	if err != nil {
		t.Fatalf("GetVnode(root): %v", err)
	}
	defer vfs.PutVnode(root)

	f, err := vfs.Create(ctx, root, "dup", 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	vfs.PutVnode(f)

	if _, err := vfs.Create(ctx, root, "dup", 0o644); err != kerrno.Exist {
		t.Fatalf("Create(duplicate) = %v, want Exist", err)
	}
}
