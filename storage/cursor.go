// Created by Yanjunhui

package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
)

// PageCursor 页面游标
// EN: PageCursor is a cursor over one page at a time.
//
// 读游标遵循乐观读协议：读取期间不阻塞写入者，多字段读取必须放在
// ShouldRetry 循环中，循环退出后调用一次 CheckAndClearCursorError。
// EN: Read cursors follow the optimistic-read protocol: they never block
// writers; every multi-field read must sit in a ShouldRetry loop, and
// CheckAndClearCursorError is called exactly once after the loop exits.
//
// 写游标持有页帧闩锁，互斥且不会被撕裂。
// EN: Write cursors hold the frame latch: exclusive, never torn.
type PageCursor struct {
	pf     *PageFile
	ctx    context.Context
	write  bool
	f      *frame
	id     PageID
	offset int
	seq    uint64 // 读游标的 seq 快照
	oob    bool
	err    error
}

// NewReadCursor 打开读游标
func (pf *PageFile) NewReadCursor(ctx context.Context) *PageCursor {
	return &PageCursor{pf: pf, ctx: ctx}
}

// NewWriteCursor 打开写游标
func (pf *PageFile) NewWriteCursor(ctx context.Context) *PageCursor {
	return &PageCursor{pf: pf, ctx: ctx, write: true}
}

// Next 移动到指定页面
func (c *PageCursor) Next(id PageID) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}

	c.releaseCurrent()

	f, err := c.pf.grab(id, c.write)
	if err != nil {
		return err
	}

	c.f = f
	c.id = id
	c.offset = 0
	c.oob = false
	c.err = nil

	if c.write {
		f.latch.Lock()
		f.seq.Add(1) // 进入写临界区，seq 变奇数
	} else {
		c.seq = waitEvenSeq(f)
	}
	return nil
}

// releaseCurrent 释放当前页帧
func (c *PageCursor) releaseCurrent() {
	if c.f == nil {
		return
	}
	if c.write {
		c.f.seq.Add(1) // 退出写临界区，seq 变偶数
		c.f.latch.Unlock()
	}
	c.pf.release(c.f)
	c.f = nil
}

// Close 关闭游标
func (c *PageCursor) Close() {
	c.releaseCurrent()
}

// CurrentPageID 返回当前页面 ID
func (c *PageCursor) CurrentPageID() PageID {
	return c.id
}

// SetOffset 设置页内偏移
func (c *PageCursor) SetOffset(n int) {
	if n < 0 || n > PageSize {
		c.oob = true
		return
	}
	c.offset = n
}

// Offset 返回当前页内偏移
func (c *PageCursor) Offset() int {
	return c.offset
}

// checkBounds 校验 [off, off+n) 在页内
func (c *PageCursor) checkBounds(off, n int) bool {
	if c.f == nil || off < 0 || n < 0 || off+n > PageSize {
		c.oob = true
		return false
	}
	return true
}

// GetByteAt 读取指定偏移的字节
func (c *PageCursor) GetByteAt(off int) byte {
	if !c.checkBounds(off, 1) {
		return 0
	}
	return c.f.buf[off]
}

// GetUint16At 读取指定偏移的 uint16
func (c *PageCursor) GetUint16At(off int) uint16 {
	if !c.checkBounds(off, 2) {
		return 0
	}
	return binary.LittleEndian.Uint16(c.f.buf[off:])
}

// GetUint32At 读取指定偏移的 uint32
func (c *PageCursor) GetUint32At(off int) uint32 {
	if !c.checkBounds(off, 4) {
		return 0
	}
	return binary.LittleEndian.Uint32(c.f.buf[off:])
}

// GetUint64At 读取指定偏移的 uint64
func (c *PageCursor) GetUint64At(off int) uint64 {
	if !c.checkBounds(off, 8) {
		return 0
	}
	return binary.LittleEndian.Uint64(c.f.buf[off:])
}

// ReadAt 读取指定偏移的字节块
func (c *PageCursor) ReadAt(off int, dst []byte) {
	if !c.checkBounds(off, len(dst)) {
		return
	}
	copy(dst, c.f.buf[off:off+len(dst)])
}

// PutByteAt 写入指定偏移的字节
func (c *PageCursor) PutByteAt(off int, v byte) {
	if !c.writable(off, 1) {
		return
	}
	c.f.buf[off] = v
	c.f.dirty.Store(true)
}

// PutUint16At 写入指定偏移的 uint16
func (c *PageCursor) PutUint16At(off int, v uint16) {
	if !c.writable(off, 2) {
		return
	}
	binary.LittleEndian.PutUint16(c.f.buf[off:], v)
	c.f.dirty.Store(true)
}

// PutUint32At 写入指定偏移的 uint32
func (c *PageCursor) PutUint32At(off int, v uint32) {
	if !c.writable(off, 4) {
		return
	}
	binary.LittleEndian.PutUint32(c.f.buf[off:], v)
	c.f.dirty.Store(true)
}

// PutUint64At 写入指定偏移的 uint64
func (c *PageCursor) PutUint64At(off int, v uint64) {
	if !c.writable(off, 8) {
		return
	}
	binary.LittleEndian.PutUint64(c.f.buf[off:], v)
	c.f.dirty.Store(true)
}

// WriteAt 写入指定偏移的字节块
func (c *PageCursor) WriteAt(off int, src []byte) {
	if !c.writable(off, len(src)) {
		return
	}
	copy(c.f.buf[off:], src)
	c.f.dirty.Store(true)
}

// writable 校验写访问
func (c *PageCursor) writable(off, n int) bool {
	if !c.write {
		c.err = fmt.Errorf("write on read-only cursor (page %d)", c.id)
		return false
	}
	return c.checkBounds(off, n)
}

// CopyTo 将本游标页面的一段字节复制到目标游标页面
// EN: CopyTo copies a byte range from this cursor's page to dst's page.
// 同页内的重叠区间按 memmove 语义处理。
// EN: Overlapping ranges within the same page follow memmove semantics.
func (c *PageCursor) CopyTo(srcOff int, dst *PageCursor, dstOff, length int) {
	if !c.checkBounds(srcOff, length) {
		return
	}
	if !dst.writable(dstOff, length) {
		return
	}
	copy(dst.f.buf[dstOff:dstOff+length], c.f.buf[srcOff:srcOff+length])
	dst.f.dirty.Store(true)
}

// ShouldRetry 报告上一轮读取是否与写入者重叠、需要重试
// EN: ShouldRetry reports whether the last read overlapped a writer and
// must be retried.
func (c *PageCursor) ShouldRetry() bool {
	if c.write || c.f == nil {
		return false
	}
	if c.f.seq.Load() == c.seq {
		return false
	}
	// 重新快照并重做本轮读取
	c.seq = waitEvenSeq(c.f)
	c.oob = false
	return true
}

// CheckAndClearCursorError 返回并清除游标故障（越界等）
// EN: CheckAndClearCursorError returns and clears any cursor fault
// (out-of-bounds access etc). Call exactly once per retry-loop exit.
func (c *PageCursor) CheckAndClearCursorError() error {
	if c.err != nil {
		err := c.err
		c.err = nil
		c.oob = false
		return err
	}
	if c.oob {
		c.oob = false
		return fmt.Errorf("cursor out of bounds on page %d (offset %d)", c.id, c.offset)
	}
	return nil
}

// waitEvenSeq 自旋等待 seq 为偶数（无写入者）并返回快照
func waitEvenSeq(f *frame) uint64 {
	for {
		s := f.seq.Load()
		if s%2 == 0 {
			return s
		}
		runtime.Gosched()
	}
}
