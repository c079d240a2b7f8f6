// Package blockbuf implements the block-buffer layer: sub-page byte ranges
// carved out of a device page-cache page, for file systems whose logical
// block size is smaller than the page size. Each device page is sliced into
// framed, non-overlapping buffers of one block each, mapped in address
// order.
package blockbuf

import (
	"context"

	"github.com/yatos-project/yatos/bdev"
	"github.com/yatos-project/yatos/kerrno"
	"github.com/yatos-project/yatos/pagecache"
)

// Buffer is one sub-page byte range mapped into exactly one page-cache
// page.
type Buffer struct {
	page       *pagecache.PC
	pageOffset int64 // offset within the page
	devOffset  int64 // offset within the device
	length     int64
}

// PageOffset returns the buffer's offset within its page.
func (b *Buffer) PageOffset() int64 { return b.pageOffset }

// DevOffset returns the buffer's offset within the owning device.
func (b *Buffer) DevOffset() int64 { return b.devOffset }

// Length returns the buffer's length in bytes.
func (b *Buffer) Length() int64 { return b.length }

// Unmap implements pagecache.Attachment: invoked once, from the owning
// page's final reference drop, to sever the buffer's link to its page. The buffer struct
// itself is simply dropped after this; there is no separate free list.
func (b *Buffer) Unmap() {
	b.page = nil
}

// mapToPage carves out one Buffer at the given page-internal and device
// offsets and records it on pc's attachment list. pc must be BUSY.
func mapToPage(pc *pagecache.PC, pageOffset, devOffset, length int64) *Buffer {
	b := &Buffer{page: pc, pageOffset: pageOffset, devOffset: devOffset, length: length}
	pc.Attach(b)
	return b
}

// DevicePageSetup carves a freshly-allocated, INVALID device page into
// pgsize/blksiz Buffers of length blksiz, in address order. pc must be BUSY
// and a device page; devOff is the page's own offset within the device
// (already page-aligned).
func DevicePageSetup(pc *pagecache.PC, blksiz int64, devOff int64) error {
	pgsiz := int64(pc.PageSizeGet())
	if blksiz <= 0 || pgsiz < blksiz || pgsiz%blksiz != 0 {
		return kerrno.Invalid
	}

	nrBufs := pgsiz / blksiz
	for i := int64(0); i < nrBufs; i++ {
		pageOff := i * blksiz
		mapToPage(pc, pageOff, devOff+pageOff, blksiz)
	}
	return nil
}

// find searches pc's attachment list for the buffer covering the given
// page-internal offset.
func find(pc *pagecache.PC, pageOffset int64) *Buffer {
	for _, a := range pc.Attachments() {
		b, ok := a.(*Buffer)
		if !ok {
			continue
		}
		if b.pageOffset <= pageOffset && pageOffset < b.pageOffset+b.length {
			return b
		}
	}
	return nil
}

// Get resolves a device block number to its containing device page
// (acquiring BUSY on it) and returns the Buffer covering that block. The caller must Put the buffer when done.
func Get(ctx context.Context, dev *bdev.Device, blkno int64) (*Buffer, error) {
	blksiz := dev.BlockSize()
	if blksiz <= 0 {
		return nil, kerrno.Invalid
	}
	offset := blkno * blksiz
	if dev.Size() > 0 && offset >= dev.Size() {
		return nil, kerrno.NotFound
	}

	pc, err := dev.Pool().Get(ctx, offset)
	if err != nil {
		return nil, err
	}

	pgsiz := int64(pc.PageSizeGet())
	if pgsiz < blksiz || pgsiz%blksiz != 0 {
		dev.Pool().Put(pc)
		return nil, kerrno.Invalid
	}

	pageOff := offset % pgsiz
	b := find(pc, pageOff)
	if b == nil {
		// First touch of this device page: the pool handed back a fresh
		// page with no buffers mapped yet, so carve it now and look again.
		if err := DevicePageSetup(pc, blksiz, pc.Offset()); err != nil {
			dev.Pool().Put(pc)
			return nil, err
		}
		if b = find(pc, pageOff); b == nil {
			dev.Pool().Put(pc)
			return nil, kerrno.NotFound
		}
	}
	return b, nil
}

// Put releases the caller's hold on the buffer's containing page.
func Put(b *Buffer) {
	if b.page == nil {
		return
	}
	b.page.Pool().Put(b.page)
}

// Read performs Get followed by a page-granular read through the BIO
// path.
func Read(ctx context.Context, dev *bdev.Device, blkno int64) (*Buffer, error) {
	b, err := Get(ctx, dev, blkno)
	if err != nil {
		return nil, err
	}
	if err := dev.ReadPage(ctx, b.page); err != nil {
		Put(b)
		return nil, err
	}
	return b, nil
}

// Write triggers a page-granular write-back of the buffer's containing
// page.
func Write(ctx context.Context, dev *bdev.Device, b *Buffer) error {
	return dev.WritePage(ctx, b.page)
}

// MarkDirty marks the buffer's containing page DIRTY.
func MarkDirty(b *Buffer) error {
	if b.page == nil {
		return kerrno.NotFound
	}
	return b.page.MarkDirty()
}

// ReferData returns the slice of the page's data backing this buffer.
func ReferData(b *Buffer) []byte {
	if b.page == nil {
		return nil
	}
	data := b.page.ReferData()
	if data == nil {
		return nil
	}
	end := b.pageOffset + b.length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[b.pageOffset:end]
}
