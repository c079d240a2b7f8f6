// Package kernel ties together the storage stack's process-wide
// singletons — device registry, mount table/fs registry, pool set — in one
// constructed struct threaded through by reference, instead of leaving
// them as package-level mutable statics.
package kernel

import (
	"context"

	"github.com/yatos-project/yatos/bdev"
	"github.com/yatos-project/yatos/pagecache"
	"github.com/yatos-project/yatos/pageframe"
	"github.com/yatos-project/yatos/vfs"
)

// DefaultPageSize is the page size every device pool created through this
// Kernel is allocated with.
const DefaultPageSize = 4096

// Kernel wires the device registry, mount table/fs registry, and
// process-wide pool set into one value.
type Kernel struct {
	Devices        *bdev.Registry
	FS             *vfs.Registry
	Pools          *pagecache.PoolSet
	frameAllocator *pageframe.Allocator
}

// New constructs a Kernel with an empty device registry, fs registry, and
// pool set, all sharing one page-frame allocator.
func New() *Kernel {
	allocator := pageframe.NewAllocator(DefaultPageSize)
	return &Kernel{
		Devices:        bdev.NewRegistry(allocator),
		FS:             vfs.NewRegistry(),
		Pools:          pagecache.NewPoolSet(),
		frameAllocator: allocator,
	}
}

// FrameAllocator returns the page-frame allocator shared by every device
// pool this Kernel creates, for fs_calls implementations that need one to
// back their own file pools.
func (k *Kernel) FrameAllocator() *pageframe.Allocator { return k.frameAllocator }

// RegisterDevice registers a block device and enrolls its page-cache pool
// in the Kernel's pool set, so a later Shrink sweep reaches it without the
// caller having to track every device pool by hand.
func (k *Kernel) RegisterDevice(devID uint64, blockSize int64, strategy bdev.StrategyFunc, private any) (*bdev.Device, error) {
	dev, err := k.Devices.RegisterDevice(devID, blockSize, strategy, private)
	if err != nil {
		return nil, err
	}
	k.Pools.Register(dev.Pool())
	return dev, nil
}

// UnregisterDevice unregisters devID and drops its pool from the pool set.
func (k *Kernel) UnregisterDevice(devID uint64) error {
	dev, err := k.Devices.GetDevice(devID)
	if err == nil {
		k.Pools.Unregister(dev.Pool())
		k.Devices.PutDevice(dev)
	}
	return k.Devices.UnregisterDevice(devID)
}

// Mount forwards to the fs registry's Mount.
func (k *Kernel) Mount(ctx context.Context, path string, devID uint64, args any) (*vfs.Mount, error) {
	return k.FS.Mount(ctx, path, devID, args)
}

// Unmount forwards to the fs registry's Unmount.
func (k *Kernel) Unmount(mntID uint64) error {
	return k.FS.Unmount(mntID)
}

// ShrinkAll asks every registered device pool to reclaim up to perPool
// pages, the Kernel-level entry point for a memory-pressure sweep.
func (k *Kernel) ShrinkAll(ctx context.Context, perPool int) (int, error) {
	return k.Pools.Shrink(ctx, perPool)
}
