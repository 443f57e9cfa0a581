// Created by Yanjunhui

package tree

import (
	"context"
	"fmt"

	"github.com/monolite/gbptree/internal/failpoint"
	"github.com/monolite/gbptree/internal/logging"
	"github.com/monolite/gbptree/storage"
)

// 空闲链表页布局
// EN: Freelist page layout.
//
//	offset 0   nodeType   u8   NodeTypeFreelistNode
//	offset 1   next       u64  链上下一页（NoNode 表示链尾）
//	offset 9   entryCount u32
//	offset 13  entries         每项 {generation u64, pageID u64}
const (
	flBytePosNodeType   = 0
	flBytePosNext       = 1
	flBytePosEntryCount = 9
	flHeaderLength      = 13
	flEntrySize         = 16
	flMaxEntries        = (storage.PageSize - flHeaderLength) / flEntrySize
)

// freelistEntry 一条释放记录
// 页面 id 在 generation 变为稳定世代之前不可复用，
// 否则崩溃恢复可能跟随 STABLE 指针走进已被改写的页面。
type freelistEntry struct {
	generation uint64
	id         uint64
}

// Freelist 页面 id 分配器与回收链
// EN: Freelist hands out page ids and reclaims released ones.
//
// 释放记录先进入内存缓存（releaseCache），检查点时才落盘；
// 分配优先复用世代已稳定的记录，否则扩展文件尾部。
type Freelist struct {
	pf           *storage.PageFile
	headID       uint64
	lastID       uint64
	pageIDs      []uint64
	entries      []freelistEntry
	releaseCache []freelistEntry
	logger       *logging.Logger
}

// newFreelist 构建空闲链表（不读盘）
func newFreelist(pf *storage.PageFile, headID, lastID uint64) *Freelist {
	return &Freelist{
		pf:      pf,
		headID:  headID,
		lastID:  lastID,
		pageIDs: []uint64{headID},
		logger:  logging.GetLogger().WithComponent("FREELIST"),
	}
}

// load 从磁盘读入整条链
// 打开时调用，此时没有并发写入者。
func (fl *Freelist) load(ctx context.Context) error {
	// 链头 0 是状态页，也是链尾哨兵：出现在这里说明状态页损坏，
	// 决不能悄悄当成空链
	if fl.headID == NoNode {
		return fmt.Errorf("freelist head not set")
	}

	c := fl.pf.NewReadCursor(ctx)
	defer c.Close()

	fl.pageIDs = fl.pageIDs[:0]
	fl.entries = fl.entries[:0]

	id := fl.headID
	// 链长不可能超过文件页数，超出即为环
	limit := fl.pf.PageCount()
	for steps := uint64(0); id != NoNode; steps++ {
		if steps >= limit {
			return fmt.Errorf("freelist chain cycle detected at page %d", id)
		}
		if err := c.Next(storage.PageID(id)); err != nil {
			return fmt.Errorf("failed to read freelist page %d: %w", id, err)
		}

		var nodeType byte
		var next uint64
		var count int
		var batch []freelistEntry
		for {
			nodeType = c.GetByteAt(flBytePosNodeType)
			next = c.GetUint64At(flBytePosNext)
			count = int(int32(c.GetUint32At(flBytePosEntryCount)))
			batch = batch[:0]
			if count >= 0 && count <= flMaxEntries {
				for i := 0; i < count; i++ {
					off := flHeaderLength + i*flEntrySize
					batch = append(batch, freelistEntry{
						generation: c.GetUint64At(off),
						id:         c.GetUint64At(off + 8),
					})
				}
			}
			if !c.ShouldRetry() {
				break
			}
		}
		if err := c.CheckAndClearCursorError(); err != nil {
			return err
		}

		if nodeType != NodeTypeFreelistNode {
			return fmt.Errorf("page %d in freelist chain is not a freelist node (type 0x%02x)", id, nodeType)
		}
		if count < 0 || count > flMaxEntries {
			return fmt.Errorf("freelist page %d has invalid entry count %d", id, count)
		}

		fl.pageIDs = append(fl.pageIDs, id)
		fl.entries = append(fl.entries, batch...)
		id = next
	}
	return nil
}

// initPage 将一页初始化为空的空闲链表节点
func initFreelistPage(c *storage.PageCursor, next uint64) {
	c.PutByteAt(flBytePosNodeType, NodeTypeFreelistNode)
	c.PutUint64At(flBytePosNext, next)
	c.PutUint32At(flBytePosEntryCount, 0)
}

// acquire 分配一个页面 id
// 优先复用世代 <= stableGen 的释放记录，否则扩展文件。
func (fl *Freelist) acquire(stableGen uint64) uint64 {
	for i, e := range fl.entries {
		if e.generation <= stableGen {
			fl.entries = append(fl.entries[:i], fl.entries[i+1:]...)
			return e.id
		}
	}
	fl.lastID++
	return fl.lastID
}

// release 登记一个已释放的页面 id
// 记录只进内存缓存，检查点时随 persist 落盘。
func (fl *Freelist) release(id, generation uint64) error {
	// 【FAILPOINT】用于测试释放路径失败场景
	if err := failpoint.Hit("freelist.release"); err != nil {
		return fmt.Errorf("failpoint: freelist.release: %w", err)
	}
	fl.releaseCache = append(fl.releaseCache, freelistEntry{generation: generation, id: id})
	return nil
}

// persist 将全部记录写回链上页面
// 检查点调用。链上页面不够时从文件尾部扩展，多余页面保留为空节点。
func (fl *Freelist) persist(ctx context.Context) error {
	all := make([]freelistEntry, 0, len(fl.entries)+len(fl.releaseCache))
	all = append(all, fl.entries...)
	all = append(all, fl.releaseCache...)

	need := (len(all) + flMaxEntries - 1) / flMaxEntries
	if need == 0 {
		need = 1
	}
	for len(fl.pageIDs) < need {
		fl.lastID++
		fl.pageIDs = append(fl.pageIDs, fl.lastID)
	}

	c := fl.pf.NewWriteCursor(ctx)
	defer c.Close()

	for i, pageID := range fl.pageIDs {
		if err := c.Next(storage.PageID(pageID)); err != nil {
			return fmt.Errorf("failed to write freelist page %d: %w", pageID, err)
		}
		next := NoNode
		if i+1 < len(fl.pageIDs) {
			next = fl.pageIDs[i+1]
		}
		initFreelistPage(c, next)

		lo := i * flMaxEntries
		if lo > len(all) {
			lo = len(all)
		}
		hi := lo + flMaxEntries
		if hi > len(all) {
			hi = len(all)
		}
		c.PutUint32At(flBytePosEntryCount, uint32(hi-lo))
		for j, e := range all[lo:hi] {
			off := flHeaderLength + j*flEntrySize
			c.PutUint64At(off, e.generation)
			c.PutUint64At(off+8, e.id)
		}
		if err := c.CheckAndClearCursorError(); err != nil {
			return err
		}
	}

	fl.entries = all
	fl.releaseCache = fl.releaseCache[:0]
	return nil
}

// visit 遍历链上的每个页面 id 和每条记录的 id
// 一致性检查用它为页面占用做台账；内存缓存中的记录同样计入。
func (fl *Freelist) visit(ctx context.Context, fn func(id uint64) error) error {
	for _, id := range fl.pageIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	for _, e := range fl.entries {
		if err := fn(e.id); err != nil {
			return err
		}
	}
	for _, e := range fl.releaseCache {
		if err := fn(e.id); err != nil {
			return err
		}
	}
	return nil
}
