// Created by Yanjunhui

package tree

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/monolite/gbptree/internal/failpoint"
	"github.com/monolite/gbptree/internal/logging"
	"github.com/monolite/gbptree/storage"
)

// 状态页（页 0）布局
// EN: State page (page 0) layout.
//
//	offset 0   magic        u64
//	offset 8   version      u32
//	offset 12  pageSize     u32
//	offset 16  layoutID     u32
//	offset 20  rootID       u64
//	offset 28  rootGen      u64
//	offset 36  stableGen    u64
//	offset 44  unstableGen  u64
//	offset 52  lastID       u64
//	offset 60  freelistHead u64
//	offset 68  checksum     u64（xxhash，覆盖前 68 字节）
const (
	stateMagic   uint64 = 0x3145455254504247 // "GBPTREE1"
	stateVersion uint32 = 1

	spPosMagic        = 0
	spPosVersion      = 8
	spPosPageSize     = 12
	spPosLayoutID     = 16
	spPosRootID       = 20
	spPosRootGen      = 28
	spPosStableGen    = 36
	spPosUnstableGen  = 44
	spPosLastID       = 52
	spPosFreelistHead = 60
	spPosChecksum     = 68
	stateLength       = 76
)

// 新建树的初始世代
const (
	initialStableGen   uint64 = 1
	initialUnstableGen uint64 = 2
)

// TreeOptions GBPTree 配置
type TreeOptions struct {
	// PageCacheBytes 页缓存容量（字节），0 取默认值
	PageCacheBytes int64
	// SplitRatio 分裂时留在左节点的比例，0 取 0.5
	SplitRatio float64
}

// DefaultTreeOptions 返回默认配置
func DefaultTreeOptions() TreeOptions {
	return TreeOptions{
		PageCacheBytes: storage.DefaultOptions().CacheBytes,
		SplitRatio:     0.5,
	}
}

// GBPTree 基于世代的持久化 B+Tree
// EN: GBPTree is a generation-based persistent B+Tree.
//
// 崩溃安全不依赖预写日志：结构性指针全部写成冗余指针对（GSPP），
// 检查点推进 stable/unstable 两个世代水位；崩溃后未被检查点覆盖的
// 写入按世代被归类为 CRASH，树在后续写入中自愈。
// EN: Crash safety needs no write-ahead log: every structural pointer
// is a redundant pair (GSPP), and checkpoints advance the
// stable/unstable generation watermarks. After a crash, writes not
// covered by a checkpoint classify as CRASH and the tree self-heals on
// subsequent writes.
//
// 单写者、多读者：写路径由 writerMu 串行化，读路径走页面层的
// 乐观读协议，从不阻塞写入者。
type GBPTree struct {
	pf     *storage.PageFile
	node   *FixedSizeNode
	layout Layout
	logger *logging.Logger
	ratio  float64

	// writerMu 串行化全部结构性变更
	writerMu sync.Mutex

	// stateMu 保护根指针和世代水位的快照读取
	stateMu     sync.RWMutex
	rootID      uint64
	rootGen     uint64
	stableGen   uint64
	unstableGen uint64

	freelist *Freelist
	closed   bool
}

// Open 打开或新建一棵树
// 文件不存在时初始化：页 0 状态页，页 1 根叶子，页 2 空闲链表头。
// 已有文件的状态页校验失败视为致命错误。
func Open(path string, layout Layout, opts TreeOptions) (*GBPTree, error) {
	node, err := NewFixedSizeNode(layout)
	if err != nil {
		return nil, err
	}
	if opts.PageCacheBytes <= 0 {
		opts.PageCacheBytes = DefaultTreeOptions().PageCacheBytes
	}
	if opts.SplitRatio <= 0 || opts.SplitRatio >= 1 {
		opts.SplitRatio = 0.5
	}

	pf, err := storage.Open(path, storage.Options{CacheBytes: opts.PageCacheBytes})
	if err != nil {
		return nil, err
	}

	t := &GBPTree{
		pf:     pf,
		node:   node,
		layout: layout,
		logger: logging.GetLogger().WithComponent("GBPTREE"),
		ratio:  opts.SplitRatio,
	}

	ctx := context.Background()
	if pf.PageCount() == 0 {
		if err := t.initialize(ctx); err != nil {
			pf.Close()
			return nil, err
		}
	} else {
		if err := t.recover(ctx); err != nil {
			pf.Close()
			return nil, err
		}
	}

	t.logger.Info("tree opened", map[string]interface{}{
		"path":        pf.Path(),
		"layout":      layout.Name(),
		"rootId":      t.rootID,
		"stableGen":   t.stableGen,
		"unstableGen": t.unstableGen,
	})
	return t, nil
}

// initialize 初始化一棵空树
func (t *GBPTree) initialize(ctx context.Context) error {
	t.stableGen = initialStableGen
	t.unstableGen = initialUnstableGen
	t.rootID = 1
	t.rootGen = t.unstableGen

	c := t.pf.NewWriteCursor(ctx)
	if err := c.Next(1); err != nil {
		c.Close()
		return err
	}
	initTreeNode(c, TreeNodeTypeLeaf, t.unstableGen)
	if err := c.Next(2); err != nil {
		c.Close()
		return err
	}
	initFreelistPage(c, NoNode)
	err := c.CheckAndClearCursorError()
	c.Close()
	if err != nil {
		return err
	}

	t.freelist = newFreelist(t.pf, 2, 2)
	if err := t.writeStatePage(ctx); err != nil {
		return err
	}
	return t.pf.FlushAndForce()
}

// recover 从状态页恢复已有的树
// unstable 水位比持久化值多走一步：崩溃前最后一个未完成世代的
// 写入由此归类为 CRASH，而不会被误当作有效的 UNSTABLE 指针跟随。
func (t *GBPTree) recover(ctx context.Context) error {
	head, lastID, err := t.readStatePage(ctx)
	if err != nil {
		return err
	}
	t.unstableGen++

	t.freelist = newFreelist(t.pf, head, lastID)
	return t.freelist.load(ctx)
}

// writeStatePage 写出状态页
func (t *GBPTree) writeStatePage(ctx context.Context) error {
	buf := make([]byte, stateLength)
	binary.LittleEndian.PutUint64(buf[spPosMagic:], stateMagic)
	binary.LittleEndian.PutUint32(buf[spPosVersion:], stateVersion)
	binary.LittleEndian.PutUint32(buf[spPosPageSize:], uint32(storage.PageSize))
	binary.LittleEndian.PutUint32(buf[spPosLayoutID:], t.layout.ID())
	binary.LittleEndian.PutUint64(buf[spPosRootID:], t.rootID)
	binary.LittleEndian.PutUint64(buf[spPosRootGen:], t.rootGen)
	binary.LittleEndian.PutUint64(buf[spPosStableGen:], t.stableGen)
	binary.LittleEndian.PutUint64(buf[spPosUnstableGen:], t.unstableGen)
	binary.LittleEndian.PutUint64(buf[spPosLastID:], t.freelist.lastID)
	binary.LittleEndian.PutUint64(buf[spPosFreelistHead:], t.freelist.headID)
	binary.LittleEndian.PutUint64(buf[spPosChecksum:], xxhash.Sum64(buf[:spPosChecksum]))

	c := t.pf.NewWriteCursor(ctx)
	defer c.Close()
	if err := c.Next(0); err != nil {
		return err
	}
	c.WriteAt(0, buf)
	return c.CheckAndClearCursorError()
}

// readStatePage 读取并校验状态页
func (t *GBPTree) readStatePage(ctx context.Context) (freelistHead, lastID uint64, err error) {
	c := t.pf.NewReadCursor(ctx)
	defer c.Close()
	if err := c.Next(0); err != nil {
		return 0, 0, err
	}

	buf := make([]byte, stateLength)
	for {
		c.ReadAt(0, buf)
		if !c.ShouldRetry() {
			break
		}
	}
	if err := c.CheckAndClearCursorError(); err != nil {
		return 0, 0, err
	}

	if got := binary.LittleEndian.Uint64(buf[spPosMagic:]); got != stateMagic {
		return 0, 0, fmt.Errorf("bad state page magic 0x%016x in %s", got, t.pf.Path())
	}
	if got := binary.LittleEndian.Uint32(buf[spPosVersion:]); got != stateVersion {
		return 0, 0, fmt.Errorf("unsupported state page version %d in %s", got, t.pf.Path())
	}
	if got := binary.LittleEndian.Uint32(buf[spPosPageSize:]); got != uint32(storage.PageSize) {
		return 0, 0, fmt.Errorf("page size mismatch: file %d, engine %d", got, storage.PageSize)
	}
	if got := binary.LittleEndian.Uint32(buf[spPosLayoutID:]); got != t.layout.ID() {
		return 0, 0, fmt.Errorf("layout mismatch: file 0x%08x, requested %s (0x%08x)", got, t.layout.Name(), t.layout.ID())
	}
	want := binary.LittleEndian.Uint64(buf[spPosChecksum:])
	if sum := xxhash.Sum64(buf[:spPosChecksum]); sum != want {
		return 0, 0, fmt.Errorf("state page checksum mismatch in %s: torn state write", t.pf.Path())
	}

	t.rootID = binary.LittleEndian.Uint64(buf[spPosRootID:])
	t.rootGen = binary.LittleEndian.Uint64(buf[spPosRootGen:])
	t.stableGen = binary.LittleEndian.Uint64(buf[spPosStableGen:])
	t.unstableGen = binary.LittleEndian.Uint64(buf[spPosUnstableGen:])
	return binary.LittleEndian.Uint64(buf[spPosFreelistHead:]),
		binary.LittleEndian.Uint64(buf[spPosLastID:]), nil
}

// snapshotState 取出根指针与世代水位的一致快照
func (t *GBPTree) snapshotState() (rootID, rootGen, stableGen, unstableGen, lastID uint64) {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.rootID, t.rootGen, t.stableGen, t.unstableGen, t.freelist.lastID
}

// Layout 返回键值布局
func (t *GBPTree) Layout() Layout { return t.layout }

// Path 返回底层文件路径
func (t *GBPTree) Path() string { return t.pf.Path() }

// search 在节点键区内二分查找
// 返回第一个不小于 key 的位置，以及是否命中相等键。
func (t *GBPTree) search(c *storage.PageCursor, keyCount int, key []byte) (int, bool) {
	buf := make([]byte, t.node.keySize)
	lo, hi := 0, keyCount
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		t.node.KeyAt(c, buf, mid)
		cmp := t.layout.Compare(buf, key)
		switch {
		case cmp < 0:
			lo = mid + 1
		case cmp > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// resolvePointer 解析偏移 off 处的指针对；EMPTY 视为 NoNode
func resolvePointer(c *storage.PageCursor, off int, stableGen, unstableGen uint64) (uint64, error) {
	a, b := readGSPP(c, off, stableGen, unstableGen)
	if gsppEmpty(a, b) {
		return NoNode, nil
	}
	s, ok := resolveGSPP(a, b)
	if !ok {
		return NoNode, fmt.Errorf("unreadable pointer pair at offset %d on page %d (%s/%s)",
			off, c.CurrentPageID(), a.State, b.State)
	}
	return s.Pointer, nil
}

// ensureUnstable 保证节点属于当前 unstable 世代
// 旧世代节点不能原地改写（它可能被稳定指针引用），改为：
//  1. 复制整页到新页，新页世代设为 unstable
//  2. 旧页后继指针对指向新页
//  3. 左右兄弟的指针改指新页
//  4. 旧页 id 登记进空闲链表（本世代稳定后才可复用）
//
// 返回应继续操作的页面 id（可能为新页）。
func (t *GBPTree) ensureUnstable(ctx context.Context, id uint64) (uint64, error) {
	c := t.pf.NewWriteCursor(ctx)
	defer c.Close()
	if err := c.Next(storage.PageID(id)); err != nil {
		return 0, err
	}
	if readGeneration(c) == t.unstableGen {
		return id, c.CheckAndClearCursorError()
	}

	newID := t.freelist.acquire(t.stableGen)
	d := t.pf.NewWriteCursor(ctx)
	defer d.Close()
	if err := d.Next(storage.PageID(newID)); err != nil {
		return 0, err
	}
	c.CopyTo(0, d, 0, storage.PageSize)
	writeGeneration(d, t.unstableGen)
	if err := d.CheckAndClearCursorError(); err != nil {
		return 0, err
	}

	writeGSPP(c, bytePosSuccessor, t.stableGen, t.unstableGen, newID)
	left, err := resolvePointer(c, bytePosLeftSibling, t.stableGen, t.unstableGen)
	if err != nil {
		return 0, err
	}
	right, err := resolvePointer(c, bytePosRightSibling, t.stableGen, t.unstableGen)
	if err != nil {
		return 0, err
	}
	if err := c.CheckAndClearCursorError(); err != nil {
		return 0, err
	}

	if left != NoNode {
		if err := c.Next(storage.PageID(left)); err != nil {
			return 0, err
		}
		writeGSPP(c, bytePosRightSibling, t.stableGen, t.unstableGen, newID)
		if err := c.CheckAndClearCursorError(); err != nil {
			return 0, err
		}
	}
	if right != NoNode {
		if err := c.Next(storage.PageID(right)); err != nil {
			return 0, err
		}
		writeGSPP(c, bytePosLeftSibling, t.stableGen, t.unstableGen, newID)
		if err := c.CheckAndClearCursorError(); err != nil {
			return 0, err
		}
	}

	if err := t.freelist.release(id, t.unstableGen); err != nil {
		return 0, err
	}
	return newID, nil
}

// splitResult 子树插入向上传递的分裂信息
type splitResult struct {
	split     bool
	separator []byte
	rightID   uint64
}

// Insert 插入或覆盖一个键值
func (t *GBPTree) Insert(ctx context.Context, key, value []byte) error {
	if len(key) != t.node.keySize || len(value) != t.node.valueSize {
		return fmt.Errorf("key/value size mismatch for layout %s: got %d/%d, want %d/%d",
			t.layout.Name(), len(key), len(value), t.node.keySize, t.node.valueSize)
	}

	t.writerMu.Lock()
	defer t.writerMu.Unlock()
	if t.closed {
		return fmt.Errorf("tree %s is closed", t.pf.Path())
	}

	// 【FAILPOINT】用于测试插入路径失败场景
	if err := failpoint.Hit("tree.insert"); err != nil {
		return fmt.Errorf("failpoint: tree.insert: %w", err)
	}

	newRootID, res, err := t.insertInto(ctx, t.rootID, key, value)
	if err != nil {
		return err
	}

	if res.split {
		// 根分裂：新建内部根节点托住左右两半
		rootID, err := t.growRoot(ctx, newRootID, res)
		if err != nil {
			return err
		}
		newRootID = rootID
	}

	if newRootID != t.rootID {
		t.stateMu.Lock()
		t.rootID = newRootID
		t.rootGen = t.unstableGen
		t.stateMu.Unlock()
	}
	return nil
}

// growRoot 根分裂后构建新的内部根节点
func (t *GBPTree) growRoot(ctx context.Context, leftID uint64, res splitResult) (uint64, error) {
	rootID := t.freelist.acquire(t.stableGen)
	c := t.pf.NewWriteCursor(ctx)
	defer c.Close()
	if err := c.Next(storage.PageID(rootID)); err != nil {
		return 0, err
	}
	initTreeNode(c, TreeNodeTypeInternal, t.unstableGen)
	t.node.SetKeyAt(c, res.separator, 0)
	t.node.SetChildAt(c, leftID, 0, t.stableGen, t.unstableGen)
	t.node.SetChildAt(c, res.rightID, 1, t.stableGen, t.unstableGen)
	writeKeyCount(c, 1)
	return rootID, c.CheckAndClearCursorError()
}

// insertInto 向以 id 为根的子树插入
// 返回该子树的（可能因后继替换而变化的）根页 id 和分裂信息。
func (t *GBPTree) insertInto(ctx context.Context, id uint64, key, value []byte) (uint64, splitResult, error) {
	var none splitResult

	id, err := t.ensureUnstable(ctx, id)
	if err != nil {
		return 0, none, err
	}

	c := t.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(id)); err != nil {
		c.Close()
		return 0, none, err
	}

	if readTreeNodeType(c) == TreeNodeTypeLeaf {
		defer c.Close()
		return t.insertIntoLeaf(ctx, c, id, key, value)
	}

	kc := readKeyCount(c)
	pos, found := t.search(c, kc, key)
	childPos := pos
	if found {
		childPos = pos + 1
	}
	childID, perr := resolvePointer(c, t.node.childOffset(childPos), t.stableGen, t.unstableGen)
	if perr == nil {
		perr = c.CheckAndClearCursorError()
	}
	// 递归前释放本页闩锁，避免读取者在整个子树插入期间空转
	c.Close()
	if perr != nil {
		return 0, none, perr
	}
	if childID == NoNode {
		return 0, none, fmt.Errorf("internal node %d has no child at position %d", id, childPos)
	}

	newChildID, childRes, err := t.insertInto(ctx, childID, key, value)
	if err != nil {
		return 0, none, err
	}

	c = t.pf.NewWriteCursor(ctx)
	defer c.Close()
	if err := c.Next(storage.PageID(id)); err != nil {
		return 0, none, err
	}
	if newChildID != childID {
		t.node.SetChildAt(c, newChildID, childPos, t.stableGen, t.unstableGen)
	}
	if !childRes.split {
		return id, none, c.CheckAndClearCursorError()
	}

	// 子节点分裂：分隔键连同右半的指针插入本节点
	if kc < t.node.internalMax {
		t.node.InsertKeyAndRightChildAt(c, childRes.separator, childRes.rightID, childPos, kc, t.stableGen, t.unstableGen)
		writeKeyCount(c, kc+1)
		return id, none, c.CheckAndClearCursorError()
	}
	return t.splitInternal(ctx, c, id, kc, childPos, childRes)
}

// insertIntoLeaf 叶子插入，满则分裂
func (t *GBPTree) insertIntoLeaf(ctx context.Context, c *storage.PageCursor, id uint64, key, value []byte) (uint64, splitResult, error) {
	var none splitResult
	kc := readKeyCount(c)
	pos, found := t.search(c, kc, key)
	if found {
		t.node.SetValueAt(c, value, pos)
		return id, none, c.CheckAndClearCursorError()
	}
	if kc < t.node.leafMax {
		t.node.InsertKeyValueAt(c, key, value, pos, kc)
		writeKeyCount(c, kc+1)
		return id, none, c.CheckAndClearCursorError()
	}

	// 叶子分裂
	rightID := t.freelist.acquire(t.stableGen)
	rc := t.pf.NewWriteCursor(ctx)
	defer rc.Close()
	if err := rc.Next(storage.PageID(rightID)); err != nil {
		return 0, none, err
	}
	initTreeNode(rc, TreeNodeTypeLeaf, t.unstableGen)

	oldRight, err := resolvePointer(c, bytePosRightSibling, t.stableGen, t.unstableGen)
	if err != nil {
		return 0, none, err
	}

	t.node.DoSplitLeaf(c, rc, kc, pos, key, value, t.ratio)
	separator := make([]byte, t.node.keySize)
	t.node.KeyAt(rc, separator, 0)

	// 兄弟链：left ↔ new ↔ oldRight
	writeGSPP(rc, bytePosLeftSibling, t.stableGen, t.unstableGen, id)
	if oldRight != NoNode {
		writeGSPP(rc, bytePosRightSibling, t.stableGen, t.unstableGen, oldRight)
	}
	writeGSPP(c, bytePosRightSibling, t.stableGen, t.unstableGen, rightID)
	if err := c.CheckAndClearCursorError(); err != nil {
		return 0, none, err
	}
	if err := rc.CheckAndClearCursorError(); err != nil {
		return 0, none, err
	}
	if oldRight != NoNode {
		if err := rc.Next(storage.PageID(oldRight)); err != nil {
			return 0, none, err
		}
		writeGSPP(rc, bytePosLeftSibling, t.stableGen, t.unstableGen, rightID)
		if err := rc.CheckAndClearCursorError(); err != nil {
			return 0, none, err
		}
	}

	return id, splitResult{split: true, separator: separator, rightID: rightID}, nil
}

// splitInternal 内部节点分裂
// c 停在已满的节点上；分隔键被上推，不保留在任一子节点中。
func (t *GBPTree) splitInternal(ctx context.Context, c *storage.PageCursor, id uint64, kc, insertPos int, childRes splitResult) (uint64, splitResult, error) {
	var none splitResult

	rightID := t.freelist.acquire(t.stableGen)
	rc := t.pf.NewWriteCursor(ctx)
	defer rc.Close()
	if err := rc.Next(storage.PageID(rightID)); err != nil {
		return 0, none, err
	}
	initTreeNode(rc, TreeNodeTypeInternal, t.unstableGen)

	oldRight, err := resolvePointer(c, bytePosRightSibling, t.stableGen, t.unstableGen)
	if err != nil {
		return 0, none, err
	}

	_, _, separator := t.node.DoSplitInternal(c, rc, kc, insertPos, childRes.separator, childRes.rightID, t.ratio, t.stableGen, t.unstableGen)

	writeGSPP(rc, bytePosLeftSibling, t.stableGen, t.unstableGen, id)
	if oldRight != NoNode {
		writeGSPP(rc, bytePosRightSibling, t.stableGen, t.unstableGen, oldRight)
	}
	writeGSPP(c, bytePosRightSibling, t.stableGen, t.unstableGen, rightID)
	if err := c.CheckAndClearCursorError(); err != nil {
		return 0, none, err
	}
	if err := rc.CheckAndClearCursorError(); err != nil {
		return 0, none, err
	}
	if oldRight != NoNode {
		if err := rc.Next(storage.PageID(oldRight)); err != nil {
			return 0, none, err
		}
		writeGSPP(rc, bytePosLeftSibling, t.stableGen, t.unstableGen, rightID)
		if err := rc.CheckAndClearCursorError(); err != nil {
			return 0, none, err
		}
	}

	return id, splitResult{split: true, separator: separator, rightID: rightID}, nil
}

// Remove 删除一个键，返回是否存在
func (t *GBPTree) Remove(ctx context.Context, key []byte) (bool, error) {
	if len(key) != t.node.keySize {
		return false, fmt.Errorf("key size mismatch for layout %s: got %d, want %d",
			t.layout.Name(), len(key), t.node.keySize)
	}

	t.writerMu.Lock()
	defer t.writerMu.Unlock()
	if t.closed {
		return false, fmt.Errorf("tree %s is closed", t.pf.Path())
	}

	// 【FAILPOINT】用于测试删除路径失败场景
	if err := failpoint.Hit("tree.remove"); err != nil {
		return false, fmt.Errorf("failpoint: tree.remove: %w", err)
	}

	newRootID, removed, kc, isLeaf, err := t.removeFrom(ctx, t.rootID, key)
	if err != nil {
		return false, err
	}

	// 根收缩：空的内部根由其唯一子节点顶替
	if !isLeaf && kc == 0 {
		c := t.pf.NewWriteCursor(ctx)
		if err := c.Next(storage.PageID(newRootID)); err != nil {
			c.Close()
			return false, err
		}
		child, perr := resolvePointer(c, t.node.childOffset(0), t.stableGen, t.unstableGen)
		if perr == nil {
			perr = c.CheckAndClearCursorError()
		}
		c.Close()
		if perr != nil {
			return false, perr
		}
		if child != NoNode {
			if err := t.freelist.release(newRootID, t.unstableGen); err != nil {
				return false, err
			}
			newRootID = child
		}
	}

	if newRootID != t.rootID {
		t.stateMu.Lock()
		t.rootID = newRootID
		t.rootGen = t.unstableGen
		t.stateMu.Unlock()
	}
	return removed, nil
}

// removeFrom 从以 id 为根的子树删除
// 返回子树根页 id、是否删除、该节点剩余键数和是否叶子。
func (t *GBPTree) removeFrom(ctx context.Context, id uint64, key []byte) (uint64, bool, int, bool, error) {
	id, err := t.ensureUnstable(ctx, id)
	if err != nil {
		return 0, false, 0, false, err
	}

	c := t.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(id)); err != nil {
		c.Close()
		return 0, false, 0, false, err
	}

	kc := readKeyCount(c)
	if readTreeNodeType(c) == TreeNodeTypeLeaf {
		defer c.Close()
		pos, found := t.search(c, kc, key)
		if !found {
			return id, false, kc, true, c.CheckAndClearCursorError()
		}
		t.node.RemoveKeyValueAt(c, pos, kc)
		kc--
		writeKeyCount(c, kc)
		return id, true, kc, true, c.CheckAndClearCursorError()
	}

	pos, found := t.search(c, kc, key)
	childPos := pos
	if found {
		childPos = pos + 1
	}
	childID, perr := resolvePointer(c, t.node.childOffset(childPos), t.stableGen, t.unstableGen)
	if perr == nil {
		perr = c.CheckAndClearCursorError()
	}
	c.Close()
	if perr != nil {
		return 0, false, 0, false, perr
	}
	if childID == NoNode {
		return 0, false, 0, false, fmt.Errorf("internal node %d has no child at position %d", id, childPos)
	}

	newChildID, removed, childKC, childLeaf, err := t.removeFrom(ctx, childID, key)
	if err != nil {
		return 0, false, 0, false, err
	}

	c = t.pf.NewWriteCursor(ctx)
	defer c.Close()
	if err := c.Next(storage.PageID(id)); err != nil {
		return 0, false, 0, false, err
	}
	if newChildID != childID {
		t.node.SetChildAt(c, newChildID, childPos, t.stableGen, t.unstableGen)
	}

	if removed && childLeaf && t.node.LeafUnderflow(childKC) {
		if err := c.CheckAndClearCursorError(); err != nil {
			return 0, false, 0, false, err
		}
		kc, err = t.fixLeafUnderflow(ctx, c, kc, childPos)
		if err != nil {
			return 0, false, 0, false, err
		}
	}
	return id, removed, kc, false, c.CheckAndClearCursorError()
}

// fixLeafUnderflow 处理下溢叶子：与相邻兄弟合并或再平衡
// c 停在父节点上；返回父节点更新后的键数。
// 再平衡只做右→左方向的搬运，下溢叶子在右侧且无法合并时保持原样
// （树容忍宽松的填充率，下一次合并机会会收掉它）。
func (t *GBPTree) fixLeafUnderflow(ctx context.Context, c *storage.PageCursor, parentKC, childPos int) (int, error) {
	var leftPos int
	if childPos < parentKC {
		leftPos = childPos
	} else if childPos > 0 {
		leftPos = childPos - 1
	} else {
		return parentKC, nil
	}
	rightPos := leftPos + 1

	leftID, err := resolvePointer(c, t.node.childOffset(leftPos), t.stableGen, t.unstableGen)
	if err != nil {
		return 0, err
	}
	rightID, err := resolvePointer(c, t.node.childOffset(rightPos), t.stableGen, t.unstableGen)
	if err != nil {
		return 0, err
	}
	if err := c.CheckAndClearCursorError(); err != nil {
		return 0, err
	}
	if leftID == NoNode || rightID == NoNode {
		return parentKC, nil
	}

	newLeftID, err := t.ensureUnstable(ctx, leftID)
	if err != nil {
		return 0, err
	}
	newRightID, err := t.ensureUnstable(ctx, rightID)
	if err != nil {
		return 0, err
	}
	if newLeftID != leftID {
		t.node.SetChildAt(c, newLeftID, leftPos, t.stableGen, t.unstableGen)
		leftID = newLeftID
	}
	if newRightID != rightID {
		t.node.SetChildAt(c, newRightID, rightPos, t.stableGen, t.unstableGen)
		rightID = newRightID
	}

	lc := t.pf.NewWriteCursor(ctx)
	defer lc.Close()
	rc := t.pf.NewWriteCursor(ctx)
	defer rc.Close()
	if err := lc.Next(storage.PageID(leftID)); err != nil {
		return 0, err
	}
	if err := rc.Next(storage.PageID(rightID)); err != nil {
		return 0, err
	}
	if readTreeNodeType(lc) != TreeNodeTypeLeaf || readTreeNodeType(rc) != TreeNodeTypeLeaf {
		return parentKC, nil
	}
	lkc := readKeyCount(lc)
	rkc := readKeyCount(rc)

	n := t.node
	if n.CanMergeLeaves(lkc, rkc) {
		// 右叶并入左叶
		if rkc > 0 {
			rc.CopyTo(n.keyOffset(0), lc, n.keyOffset(lkc), rkc*n.keySize)
			rc.CopyTo(n.valueOffset(0), lc, n.valueOffset(lkc), rkc*n.valueSize)
		}
		writeKeyCount(lc, lkc+rkc)

		rr, err := resolvePointer(rc, bytePosRightSibling, t.stableGen, t.unstableGen)
		if err != nil {
			return 0, err
		}
		if rr != NoNode {
			writeGSPP(lc, bytePosRightSibling, t.stableGen, t.unstableGen, rr)
		} else {
			initGSPP(lc, bytePosRightSibling)
		}
		if err := lc.CheckAndClearCursorError(); err != nil {
			return 0, err
		}
		if rr != NoNode {
			if err := rc.Next(storage.PageID(rr)); err != nil {
				return 0, err
			}
			writeGSPP(rc, bytePosLeftSibling, t.stableGen, t.unstableGen, leftID)
			if err := rc.CheckAndClearCursorError(); err != nil {
				return 0, err
			}
		}

		n.RemoveKeyAndRightChildAt(c, leftPos, parentKC)
		parentKC--
		writeKeyCount(c, parentKC)
		if err := t.freelist.release(rightID, t.unstableGen); err != nil {
			return 0, err
		}
		return parentKC, c.CheckAndClearCursorError()
	}

	if move := n.CanRebalanceLeaves(lkc, rkc); move > 0 {
		// 右叶前 move 个键值搬进左叶，右叶整体左移压缩
		rc.CopyTo(n.keyOffset(0), lc, n.keyOffset(lkc), move*n.keySize)
		rc.CopyTo(n.valueOffset(0), lc, n.valueOffset(lkc), move*n.valueSize)
		remain := rkc - move
		rc.CopyTo(n.keyOffset(move), rc, n.keyOffset(0), remain*n.keySize)
		rc.CopyTo(n.valueOffset(move), rc, n.valueOffset(0), remain*n.valueSize)
		writeKeyCount(lc, lkc+move)
		writeKeyCount(rc, remain)

		// 父分隔键跟随右叶的新首键
		separator := make([]byte, n.keySize)
		n.KeyAt(rc, separator, 0)
		n.SetKeyAt(c, separator, leftPos)

		if err := lc.CheckAndClearCursorError(); err != nil {
			return 0, err
		}
		if err := rc.CheckAndClearCursorError(); err != nil {
			return 0, err
		}
	}
	return parentKC, c.CheckAndClearCursorError()
}

// Checkpoint 推进世代水位并持久化
// 顺序：先落空闲链表和全部脏页，再推进 stable/unstable，最后写状态
// 页并强制落盘。两次落盘之间崩溃时状态页仍指向旧检查点，树按旧世代
// 恢复。
func (t *GBPTree) Checkpoint(ctx context.Context) error {
	t.writerMu.Lock()
	defer t.writerMu.Unlock()
	if t.closed {
		return fmt.Errorf("tree %s is closed", t.pf.Path())
	}

	if err := t.freelist.persist(ctx); err != nil {
		return err
	}
	if err := t.pf.FlushAndForce(); err != nil {
		return err
	}

	t.stateMu.Lock()
	t.stableGen = t.unstableGen
	t.unstableGen++
	t.stateMu.Unlock()

	if err := t.writeStatePage(ctx); err != nil {
		return err
	}
	if err := t.pf.FlushAndForce(); err != nil {
		return err
	}

	t.logger.Debug("checkpoint complete", map[string]interface{}{
		"stableGen":   t.stableGen,
		"unstableGen": t.unstableGen,
		"lastId":      t.freelist.lastID,
	})
	return nil
}

// Close 检查点后关闭底层文件
func (t *GBPTree) Close(ctx context.Context) error {
	if err := t.Checkpoint(ctx); err != nil {
		return err
	}
	t.writerMu.Lock()
	t.closed = true
	t.writerMu.Unlock()
	return t.pf.Close()
}
