// Package bdev implements the block-device registry and BIO request
// engine: device registration bound to a page-cache pool, and batched
// block-I/O requests dispatched through a per-device strategy callback.
package bdev

import (
	"context"
	"sync"

	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/pageframe"
	"github.com/yatos-project/yatos/pagecache"
	"github.com/yatos-project/yatos/refcount"
)

// StrategyFunc performs the actual device I/O for one BIO entry. It is
// given the direction and the entry's target page, already BUSY; the page's
// data slice is ready to read from or write into at the entry's in-page
// offset/length.
type StrategyFunc func(ctx context.Context, entry *Entry) error

// Device is a registered block device.
type Device struct {
	devID     uint64
	blockSize int64
	size      int64 // 0 means unknown/unbounded
	strategy  StrategyFunc
	private   any

	refs *refcount.Counter
	pool *pagecache.Pool

	mu    sync.Mutex
	reqs  []*Request
}

// DevID returns the device's identifier.
func (d *Device) DevID() uint64 { return d.devID }

// BlockSize returns the device's logical block size.
func (d *Device) BlockSize() int64 { return d.blockSize }

// Size returns the device's advertised size in bytes, or 0 if unbounded.
func (d *Device) Size() int64 { return d.size }

// Pool returns the device's backing page-cache pool.
func (d *Device) Pool() *pagecache.Pool { return d.pool }

// Private returns the driver-private pointer passed at registration.
func (d *Device) Private() any { return d.private }

func (d *Device) refInc() bool { return d.refs.IncIfValid() }
func (d *Device) refDec()      { d.refs.DecAndTest() }

// ReadPage performs a page-granular read through the device's strategy
// callback. pc must be BUSY.
func (d *Device) ReadPage(ctx context.Context, pc *pagecache.PC) error {
	return d.rw(ctx, pc, DirRead)
}

// WritePage performs a page-granular write through the device's strategy
// callback.
func (d *Device) WritePage(ctx context.Context, pc *pagecache.PC) error {
	return d.rw(ctx, pc, DirWrite)
}

func (d *Device) rw(ctx context.Context, pc *pagecache.PC, dir Direction) error {
	if d.strategy == nil {
		// No real device to read/write; mark the page CLEAN as if the I/O
		// trivially succeeded.
		return pc.MarkClean()
	}
	ent := &Entry{dir: dir, offset: 0, length: int64(pc.PageSizeGet()), pc: pc}
	if err := d.strategy(ctx, ent); err != nil {
		ent.status = StatusError
		ent.err = err
		return err
	}
	ent.status = StatusDone
	return pc.MarkClean()
}

// Registry is a process-wide device database indexed by device-id.
type Registry struct {
	allocator *pageframe.Allocator

	mu      sync.Mutex
	devices map[uint64]*Device
}

// NewRegistry returns an empty device registry backed by the given page
// allocator (shared across every device pool it creates).
func NewRegistry(allocator *pageframe.Allocator) *Registry {
	return &Registry{allocator: allocator, devices: make(map[uint64]*Device)}
}

// RegisterDevice binds (devid, blksiz, strategy, private) and allocates a
// new device page-cache pool. Duplicate registration returns EBUSY.
func (r *Registry) RegisterDevice(devID uint64, blockSize int64, strategy StrategyFunc, private any) (*Device, error) {
	return r.RegisterDeviceSized(devID, blockSize, 0, strategy, private)
}

// RegisterDeviceSized is RegisterDevice with an explicit device size (0
// means unbounded), used by block_buffer_get's ENOENT-on-out-of-range check.
func (r *Registry) RegisterDeviceSized(devID uint64, blockSize, size int64, strategy StrategyFunc, private any) (*Device, error) {
	if blockSize <= 0 {
		return nil, kerrno.Invalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[devID]; exists {
		return nil, kerrno.Busy
	}

	dev := &Device{
		devID:     devID,
		blockSize: blockSize,
		size:      size,
		strategy:  strategy,
		private:   private,
		refs:      refcount.New(),
	}
	writeBack := func(pc *pagecache.PC) error {
		return dev.WritePage(context.Background(), pc)
	}
	dev.pool = pagecache.NewDevicePool(r.allocator, devID, writeBack)
	r.devices[devID] = dev
	return dev, nil
}

// UnregisterDevice removes devid from the map and drops the registry's own
// reference on the device; the device's page-cache pool is not released
// here. Pending references (held by callers currently using the *Device)
// keep it alive until released.
func (r *Registry) UnregisterDevice(devID uint64) error {
	r.mu.Lock()
	dev, ok := r.devices[devID]
	if !ok {
		r.mu.Unlock()
		return kerrno.NoDevice
	}
	delete(r.devices, devID)
	r.mu.Unlock()

	dev.refDec()
	return nil
}

// GetDevice looks up devid and returns a counted reference. The caller
// must PutDevice when done.
func (r *Registry) GetDevice(devID uint64) (*Device, error) {
	r.mu.Lock()
	dev, ok := r.devices[devID]
	r.mu.Unlock()
	if !ok {
		return nil, kerrno.NoDevice
	}
	if !dev.refInc() {
		return nil, kerrno.NoDevice
	}
	return dev, nil
}

// PutDevice drops a reference taken by GetDevice.
func (r *Registry) PutDevice(dev *Device) {
	dev.refDec()
}
