package vfs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yatos-project/yatos/kerrno"
)

// minimalFS is a one-directory fs_calls collaborator used across this
// file's tests, independent of the memfs integration test (which exercises
// the page cache too; these tests only exercise the mount table and
// v-node cache themselves).
type minimalFS struct {
	mu    sync.Mutex
	names map[string]uint64
	gets  int
}

func newMinimalFS() *minimalFS {
	return &minimalFS{names: map[string]uint64{"child": 2}}
}

func (fs *minimalFS) calls() *FSCalls {
	return &FSCalls{
		Mount:   func(ctx context.Context, devID uint64, args any) (any, uint64, error) { return fs, 1, nil },
		Unmount: func(ctx context.Context, super any) error { return nil },
		Sync:    func(ctx context.Context, super any) error { return nil },
		Lookup: func(ctx context.Context, super, dirFsVnode any, name string) (uint64, error) {
			fs.mu.Lock()
			defer fs.mu.Unlock()
			vnid, ok := fs.names[name]
			if !ok {
				return 0, kerrno.NotFound
			}
			return vnid, nil
		},
		GetVnode: func(ctx context.Context, super any, vnid uint64) (FileMode, any, error) {
			fs.mu.Lock()
			fs.gets++
			fs.mu.Unlock()
			if vnid == 1 {
				return ModeDir, "root", nil
			}
			if vnid == 2 {
				return 0, "child", nil
			}
			return 0, nil, kerrno.NotFound
		},
		PutVnode: func(ctx context.Context, super, fsVnode any) error { return nil },
		Read:     func(ctx context.Context, super, fsVnode, private any, buf []byte, off int64) (int, error) { return 0, nil },
		Write:    func(ctx context.Context, super, fsVnode, private any, buf []byte, off int64) (int, error) { return 0, nil },
	}
}

func mountMinimal(t *testing.T) (*Registry, *Mount, *minimalFS) {
	t.Helper()
	fs := newMinimalFS()
	r := NewRegistry()
	if err := r.RegisterFileSystem("minimal", FSTypeNormal, fs.calls()); err != nil {
		t.Fatalf("RegisterFileSystem: %v", err)
	}
	m, err := r.Mount(context.Background(), "/", 0, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return r, m, fs
}

func TestMountSweepSkipsPseudoFileSystems(t *testing.T) {
	r := NewRegistry()
	fs := newMinimalFS()
	if err := r.RegisterFileSystem("pseudo", FSTypePseudo, fs.calls()); err != nil {
		t.Fatalf("RegisterFileSystem: %v", err)
	}
	if _, err := r.Mount(context.Background(), "/", 0, nil); err != kerrno.NotFound {
		t.Fatalf("Mount with only a pseudo fs registered = %v, want NotFound", err)
	}
}

func TestGetVnodeCachesByID(t *testing.T) {
	r, m, fs := mountMinimal(t)
	ctx := context.Background()

	v1, err := GetVnode(ctx, r, m.ID(), m.RootVnID())
	if err != nil {
		t.Fatalf("GetVnode: %v", err)
	}
	v2, err := GetVnode(ctx, r, m.ID(), m.RootVnID())
	if err != nil {
		t.Fatalf("GetVnode: %v", err)
	}
	if v1 != v2 {
		t.Fatalf("GetVnode returned distinct v-nodes for the same id")
	}
	if fs.gets != 1 {
		t.Fatalf("GetVnode dispatched fs_getvnode %d times, want 1 (cache hit expected)", fs.gets)
	}
	PutVnode(v1)
	PutVnode(v2)
}

func TestGetVnodeUnknownMountIsInvalid(t *testing.T) {
	r := NewRegistry()
	if _, err := GetVnode(context.Background(), r, 999, 1); err != kerrno.Invalid {
		t.Fatalf("GetVnode on an unknown mount = %v, want Invalid", err)
	}
}

func TestLookupResolvesChild(t *testing.T) {
	r, m, _ := mountMinimal(t)
	ctx := context.Background()

	root, err := GetVnode(ctx, r, m.ID(), m.RootVnID())
	if err != nil {
		t.Fatalf("GetVnode: %v", err)
	}
	defer PutVnode(root)

	child, err := Lookup(ctx, root, "child")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	defer PutVnode(child)
	if child.ID() != 2 {
		t.Fatalf("child.ID() = %d, want 2", child.ID())
	}

	if _, err := Lookup(ctx, root, "missing"); err != kerrno.NotFound {
		t.Fatalf("Lookup(missing) = %v, want NotFound", err)
	}
}

func TestVnodeLockExcludesConcurrentLockers(t *testing.T) {
	r, m, _ := mountMinimal(t)
	ctx := context.Background()

	root, err := GetVnode(ctx, r, m.ID(), m.RootVnID())
	if err != nil {
		t.Fatalf("GetVnode: %v", err)
	}
	defer PutVnode(root)

	if err := root.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	unlocked := make(chan struct{})
	go func() {
		if err := root.Lock(ctx); err != nil {
			t.Error(err)
			return
		}
		close(unlocked)
		root.Unlock()
	}()

	select {
	case <-unlocked:
		t.Fatalf("second Lock succeeded while the first holder still held it")
	default:
	}

	root.Unlock()
	<-unlocked
}

// TestGetVnodeBusyContention: goroutine A wins the
// BUSY flag and blocks inside fs_getvnode; goroutine B asks for the same
// v-node and parks on its wait queue; when A finishes, B wakes with Released
// and gets the very same v-node, now holding the second reference.
func TestGetVnodeBusyContention(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	calls := newMinimalFS().calls()
	calls.GetVnode = func(ctx context.Context, super any, vnid uint64) (FileMode, any, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return ModeDir, "root", nil
	}
	if err := r.RegisterFileSystem("slow", FSTypeNormal, calls); err != nil {
		t.Fatalf("RegisterFileSystem: %v", err)
	}
	m, err := r.Mount(ctx, "/", 0, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	type result struct {
		v   *VNode
		err error
	}
	resA := make(chan result, 1)
	go func() {
		v, err := GetVnode(ctx, r, m.ID(), m.RootVnID())
		resA <- result{v, err}
	}()
	<-entered

	resB := make(chan result, 1)
	go func() {
		v, err := GetVnode(ctx, r, m.ID(), m.RootVnID())
		resB <- result{v, err}
	}()

	// B must be parked on the BUSY placeholder, not returned early.
	select {
	case got := <-resB:
		t.Fatalf("second GetVnode returned (%v, %v) while fs_getvnode was still running", got.v, got.err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	a := <-resA
	b := <-resB
	if a.err != nil || b.err != nil {
		t.Fatalf("GetVnode errors: A=%v B=%v", a.err, b.err)
	}
	if a.v != b.v {
		t.Fatalf("contending GetVnode calls returned distinct v-nodes")
	}
	if n := a.v.refs.Read(); n < 2 {
		t.Fatalf("refcount after both gets = %d, want >= 2", n)
	}
	PutVnode(a.v)
	PutVnode(b.v)
}

func TestUnmountFailsBusyWhileVnodeOutstanding(t *testing.T) {
	r, m, _ := mountMinimal(t)
	ctx := context.Background()

	root, err := GetVnode(ctx, r, m.ID(), m.RootVnID())
	if err != nil {
		t.Fatalf("GetVnode: %v", err)
	}

	// The root v-node's own back-reference on its mount keeps Unmount from
	// succeeding synchronously: unmounting with files still open must fail
	// busy rather than defer teardown.
	if err := r.Unmount(m.ID()); err != kerrno.Busy {
		t.Fatalf("Unmount while a v-node reference is outstanding = %v, want Busy", err)
	}

	// A failed attempt must not have consumed the table's own reference or
	// left the mount wedged in an unmounting state.
	m2, err := r.GetMount(m.ID())
	if err != nil {
		t.Fatalf("GetMount after a failed Unmount: %v", err)
	}
	r.PutMount(m2)

	PutVnode(root)

	if err := r.Unmount(m.ID()); err != nil {
		t.Fatalf("Unmount once the last v-node reference dropped: %v", err)
	}
	if _, err := r.GetMount(m.ID()); err != kerrno.Invalid {
		t.Fatalf("GetMount after Unmount = %v, want Invalid", err)
	}
	if err := r.Unmount(m.ID()); err != kerrno.Invalid {
		t.Fatalf("Unmount of an already-unmounted mount = %v, want Invalid", err)
	}
}

func TestSystemRootVnodeRoundTrip(t *testing.T) {
	r, m, _ := mountMinimal(t)
	r.SetSystemRoot(m)

	v, err := r.SystemRootVnode(context.Background())
	if err != nil {
		t.Fatalf("SystemRootVnode: %v", err)
	}
	defer PutVnode(v)
	if v.ID() != m.RootVnID() {
		t.Fatalf("SystemRootVnode id = %d, want %d", v.ID(), m.RootVnID())
	}
}
