// Created by Yanjunhui

package tree

import (
	"context"
	"fmt"
	"sync"

	"github.com/monolite/gbptree/storage"
)

// CheckOptions 一致性检查配置
type CheckOptions struct {
	// NumThreads 并行度；>1 时根的直接子树并行检查
	NumThreads int
	// ReportDirty 是否报告 CRASH 态指针
	// 崩溃残留指针是非正常关闭后的预期产物，树可以自愈，默认不报。
	ReportDirty bool
}

// readConsistently 在乐观读协议下执行 fn 直到读取未被写入者打断
// 循环退出后恰好做一次游标故障检查。
func readConsistently(c *storage.PageCursor, fn func()) error {
	for {
		fn()
		if !c.ShouldRetry() {
			break
		}
	}
	return c.CheckAndClearCursorError()
}

// keyRange 节点的键区间与祖先栈
// EN: keyRange is the [from, to) bound a node's keys must satisfy,
// plus the ancestor page-id stack for cycle detection.
// 下降时单调收窄：子节点区间由父节点的相邻分隔键切出。
type keyRange struct {
	from      []byte // nil 表示无下界
	to        []byte // nil 表示无上界
	ancestors []uint64
}

// contains 报告键是否落在区间内
func (r keyRange) contains(cmp func(a, b []byte) int, key []byte) bool {
	if r.from != nil && cmp(key, r.from) < 0 {
		return false
	}
	if r.to != nil && cmp(key, r.to) >= 0 {
		return false
	}
	return true
}

// hasAncestor 报告页面是否已在祖先栈上
func (r keyRange) hasAncestor(id uint64) bool {
	for _, a := range r.ancestors {
		if a == id {
			return true
		}
	}
	return false
}

// child 切出一个子节点的区间，并把本节点压入祖先栈
func (r keyRange) child(from, to []byte, parent uint64) keyRange {
	ancestors := make([]uint64, len(r.ancestors)+1)
	copy(ancestors, r.ancestors)
	ancestors[len(r.ancestors)] = parent
	return keyRange{from: from, to: to, ancestors: ancestors}
}

// String 区间的诊断表示
func (r keyRange) String() string {
	from := "[-inf"
	if r.from != nil {
		from = fmt.Sprintf("[%x", r.from)
	}
	to := "+inf)"
	if r.to != nil {
		to = fmt.Sprintf("%x)", r.to)
	}
	return from + ", " + to
}

// nodeView 一个节点头部的稳定快照
type nodeView struct {
	nodeType     byte
	treeNodeType byte
	gen          uint64
	keyCount     int
	leftA, leftB GSPSlot
	rightA       GSPSlot
	rightB       GSPSlot
	succA, succB GSPSlot
}

// childRef 下降用的子指针引用
type childRef struct {
	id  uint64
	gen uint64
	ok  bool
	rng keyRange
}

// checker 一次检查调用的共享状态
type checker struct {
	t           *GBPTree
	v           ConsistencyVisitor
	file        string
	reportDirty bool
	stableGen   uint64
	unstableGen uint64
	lastID      uint64

	mu sync.Mutex // 分片合并互斥
}

// ConsistencyCheck 对整棵树做结构一致性检查
// EN: ConsistencyCheck validates every structural invariant of the
// tree and reports violations through the visitor.
//
// 结构性违规只报告、不中断，一趟尽量报全；返回非 nil 仅代表真正的
// I/O 故障。NumThreads > 1 时根的直接子树在有界工作池上并行检查，
// 分片各自持有私有位图和兄弟链，结束后按子节点的空间顺序合并。
func (t *GBPTree) ConsistencyCheck(ctx context.Context, visitor ConsistencyVisitor, opts CheckOptions) error {
	if visitor == nil {
		visitor = NoopVisitor{}
	}
	rootID, rootGen, stableGen, unstableGen, lastID := t.snapshotState()

	ck := &checker{
		t:           t,
		v:           &syncVisitor{inner: visitor},
		file:        t.pf.Path(),
		reportDirty: opts.ReportDirty,
		stableGen:   stableGen,
		unstableGen: unstableGen,
		lastID:      lastID,
	}
	main := newCheckShard(lastID)

	// 台账：状态页、空闲链表页和其中登记的 id 都是合法占用
	main.bits.set(0)
	if err := t.freelist.visit(ctx, func(id uint64) error {
		ck.markSeen(main, id)
		return nil
	}); err != nil {
		return err
	}

	threads := opts.NumThreads
	if threads < 1 {
		threads = 1
	}

	rng := keyRange{}
	if threads == 1 {
		c := t.pf.NewReadCursor(ctx)
		defer c.Close()
		if err := ck.checkSubtree(ctx, c, rootID, rng, 0, main, 0, rootGen); err != nil {
			return err
		}
	} else {
		if err := ck.checkParallel(ctx, rootID, rootGen, rng, main, threads); err != nil {
			return err
		}
	}

	main.chains.finish(ck.v, ck.file)

	// 收尾：高水位内从未露面的页面都是泄漏
	for id := MinTreeNodeID; id <= lastID; id++ {
		if id%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !main.bits.get(id) {
			ck.v.UnusedPage(id, ck.file)
		}
	}

	t.logger.Info("consistency check complete", map[string]interface{}{
		"path":    ck.file,
		"lastId":  lastID,
		"threads": threads,
	})
	return nil
}

// markSeen 登记页面占用，重复和越界都要报
func (ck *checker) markSeen(shard *checkShard, id uint64) {
	if shard.bits.set(id) {
		ck.v.PageIDSeenMultipleTimes(id, ck.file)
	}
	if id > ck.lastID {
		ck.v.PageIDExceedLastID(ck.lastID, id, ck.file)
	}
}

// checkPointerPair 校验一个指针对的两个槽位
// 任一 BROKEN 必报；CRASH 仅在 reportDirty 时报。
func (ck *checker) checkPointerPair(pageID uint64, field string, a, b GSPSlot) {
	if a.State == GSPBroken || b.State == GSPBroken {
		ck.v.BrokenPointer(pageID, field, a, b, ck.file)
		return
	}
	if (a.State == GSPCrash || b.State == GSPCrash) && ck.reportDirty {
		ck.v.CrashedPointer(pageID, field, a, b, ck.file)
	}
}

// checkParallel 并行检查根的直接子树
func (ck *checker) checkParallel(ctx context.Context, rootID, rootGen uint64, rng keyRange, main *checkShard, threads int) error {
	c := ck.t.pf.NewReadCursor(ctx)
	children, err := ck.checkNode(ctx, c, rootID, rng, 0, main, 0, rootGen)
	c.Close()
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return nil
	}

	pool := newCheckPool(threads)
	shards := make([]*checkShard, len(children))
	for i, ch := range children {
		if !ch.ok {
			continue
		}
		i, ch := i, ch
		shards[i] = newCheckShard(ck.lastID)
		pool.submit(func() error {
			sc := ck.t.pf.NewReadCursor(ctx)
			defer sc.Close()
			return ck.checkSubtree(ctx, sc, ch.id, ch.rng, 1, shards[i], rootID, ch.gen)
		})
	}
	if err := pool.wait(); err != nil {
		return err
	}

	// 【关键】按子节点空间顺序合并，不是完成顺序：
	// 兄弟链只有在左到右拼接时才能跨分片校验。
	ck.mu.Lock()
	defer ck.mu.Unlock()
	for _, sh := range shards {
		if sh == nil {
			continue
		}
		main.bits.merge(sh.bits, func(id uint64) {
			ck.v.PageIDSeenMultipleTimes(id, ck.file)
		})
		main.chains.merge(ck.v, sh.chains, ck.file)
	}
	return nil
}

// checkSubtree 递归检查一棵子树
func (ck *checker) checkSubtree(ctx context.Context, c *storage.PageCursor, id uint64, rng keyRange, level int, shard *checkShard, parentID, pointerGen uint64) error {
	children, err := ck.checkNode(ctx, c, id, rng, level, shard, parentID, pointerGen)
	if err != nil {
		return err
	}
	for _, ch := range children {
		if !ch.ok {
			continue
		}
		if err := ck.checkSubtree(ctx, c, ch.id, ch.rng, level+1, shard, id, ch.gen); err != nil {
			return err
		}
	}
	return nil
}

// checkNode 检查单个节点并返回可下降的子指针
// 返回空切片表示叶子或该子树已被放弃（类型/键数不可信时不再深入）。
func (ck *checker) checkNode(ctx context.Context, c *storage.PageCursor, id uint64, rng keyRange, level int, shard *checkShard, parentID, pointerGen uint64) ([]childRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := ck.t.node
	ck.markSeen(shard, id)

	if rng.hasAncestor(id) {
		ck.v.ChildNodeFoundAmongParentNodes(rng.String(), level, id, ck.file)
		return nil, nil
	}

	if err := c.Next(storage.PageID(id)); err != nil {
		return nil, err
	}

	// 头部快照
	var view nodeView
	if err := readConsistently(c, func() {
		view.nodeType = readNodeType(c)
		view.treeNodeType = readTreeNodeType(c)
		view.gen = readGeneration(c)
		view.keyCount = readKeyCount(c)
		view.leftA, view.leftB = readGSPP(c, bytePosLeftSibling, ck.stableGen, ck.unstableGen)
		view.rightA, view.rightB = readGSPP(c, bytePosRightSibling, ck.stableGen, ck.unstableGen)
		view.succA, view.succB = readGSPP(c, bytePosSuccessor, ck.stableGen, ck.unstableGen)
	}); err != nil {
		return nil, err
	}

	if view.nodeType != NodeTypeTreeNode {
		ck.v.NotATreeNode(id, ck.file)
		return nil, nil
	}
	if view.treeNodeType != TreeNodeTypeLeaf && view.treeNodeType != TreeNodeTypeInternal {
		ck.v.UnknownTreeNodeType(id, view.treeNodeType, ck.file)
		return nil, nil
	}

	ck.checkPointerPair(id, "leftSibling", view.leftA, view.leftB)
	ck.checkPointerPair(id, "rightSibling", view.rightA, view.rightB)
	ck.checkPointerPair(id, "successor", view.succA, view.succB)

	if !n.ReasonableKeyCount(view.treeNodeType, view.keyCount) {
		ck.v.UnreasonableKeyCount(id, view.keyCount, ck.file)
		return nil, nil
	}

	// 键与子指针快照（整页扫描被撕裂就整体重来）
	internal := view.treeNodeType == TreeNodeTypeInternal
	kc := view.keyCount
	keys := make([]byte, kc*n.keySize)
	var childA, childB []GSPSlot
	if internal {
		childA = make([]GSPSlot, kc+1)
		childB = make([]GSPSlot, kc+1)
	}
	if err := readConsistently(c, func() {
		for i := 0; i < kc; i++ {
			n.KeyAt(c, keys[i*n.keySize:(i+1)*n.keySize], i)
		}
		if internal {
			for p := 0; p <= kc; p++ {
				childA[p], childB[p] = readGSPP(c, n.childOffset(p), ck.stableGen, ck.unstableGen)
			}
		}
	}); err != nil {
		return nil, err
	}

	// 键序与区间
	clean := true
	for i := 0; i < kc; i++ {
		key := keys[i*n.keySize : (i+1)*n.keySize]
		if i > 0 {
			prev := keys[(i-1)*n.keySize : i*n.keySize]
			if ck.t.layout.Compare(prev, key) >= 0 {
				ck.v.KeysOutOfOrderInNode(id, ck.file)
				clean = false
				break
			}
		}
		if !rng.contains(ck.t.layout.Compare, key) {
			keyCopy := append([]byte(nil), key...)
			ck.v.KeysLocatedInWrongNode(rng.String(), keyCopy, i, kc, id, ck.file)
			clean = false
		}
	}

	// 布局元数据
	if msg := n.CheckMetaConsistency(c); msg != "" {
		ck.v.NodeMetaInconsistency(id, msg, ck.file)
		clean = false
	}

	// 指针世代一致性：到达本节点的指针世代不得低于节点自身世代
	if pointerGen != 0 && pointerGen < view.gen {
		ck.v.PointerHasLowerGenerationThanNode("child", parentID, pointerGen, id, view.gen, ck.file)
	}

	// 兄弟链
	cur := levelEnd{id: id, gen: view.gen}
	if slot, ok := resolveGSPP(view.leftA, view.leftB); ok {
		cur.leftPtr, cur.leftGen = slot.Pointer, slot.Generation
	}
	if slot, ok := resolveGSPP(view.rightA, view.rightB); ok {
		cur.rightPtr, cur.rightGen = slot.Pointer, slot.Generation
	}
	shard.chains.observe(ck.v, level, cur, ck.file)

	// 后继：可达节点不应再有后继版本
	if !gsppEmpty(view.succA, view.succB) {
		if slot, ok := resolveGSPP(view.succA, view.succB); ok && slot.Pointer != NoNode {
			ck.v.PointerToOldVersionOfTreeNode(id, slot.Pointer, ck.file)
		}
	}

	if !internal || !clean {
		return nil, nil
	}

	// 子区间切分并下降
	children := make([]childRef, kc+1)
	for p := 0; p <= kc; p++ {
		ck.checkPointerPair(id, "child", childA[p], childB[p])
		slot, ok := resolveGSPP(childA[p], childB[p])
		if !ok || slot.Pointer < MinTreeNodeID {
			continue
		}
		var from, to []byte
		if p == 0 {
			from = rng.from
		} else {
			from = append([]byte(nil), keys[(p-1)*n.keySize:p*n.keySize]...)
		}
		if p == kc {
			to = rng.to
		} else {
			to = append([]byte(nil), keys[p*n.keySize:(p+1)*n.keySize]...)
		}
		children[p] = childRef{
			id:  slot.Pointer,
			gen: slot.Generation,
			ok:  true,
			rng: rng.child(from, to, id),
		}
	}
	return children, nil
}
