// Created by Yanjunhui

package tree

import (
	"math/bits"
	"sort"
	"sync"
)

// pageBitset 页面占用位图
// EN: pageBitset tracks which page ids have been seen.
// 高水位以内用稠密位图，越界 id 记进溢出表（本身已是违规，
// 但仍要参与重复检测）。
type pageBitset struct {
	words    []uint64
	overflow map[uint64]struct{}
}

// newPageBitset 构建覆盖 [0, highID] 的位图
func newPageBitset(highID uint64) *pageBitset {
	return &pageBitset{
		words:    make([]uint64, highID/64+1),
		overflow: make(map[uint64]struct{}),
	}
}

// set 置位并报告是否已被置位
func (b *pageBitset) set(id uint64) bool {
	w := id / 64
	if w >= uint64(len(b.words)) {
		_, dup := b.overflow[id]
		b.overflow[id] = struct{}{}
		return dup
	}
	mask := uint64(1) << (id % 64)
	dup := b.words[w]&mask != 0
	b.words[w] |= mask
	return dup
}

// get 查询是否已置位
func (b *pageBitset) get(id uint64) bool {
	w := id / 64
	if w >= uint64(len(b.words)) {
		_, ok := b.overflow[id]
		return ok
	}
	return b.words[w]&(uint64(1)<<(id%64)) != 0
}

// merge 合并另一张位图，重复置位的 id 逐个回调
func (b *pageBitset) merge(o *pageBitset, onDup func(id uint64)) {
	for w := range o.words {
		dups := b.words[w] & o.words[w]
		for dups != 0 {
			onDup(uint64(w)*64 + uint64(bits.TrailingZeros64(dups)))
			dups &= dups - 1
		}
		b.words[w] |= o.words[w]
	}
	for id := range o.overflow {
		if b.set(id) {
			onDup(id)
		}
	}
}

// levelEnd 层内一端节点的链路信息
type levelEnd struct {
	id       uint64
	gen      uint64
	leftPtr  uint64
	leftGen  uint64
	rightPtr uint64
	rightGen uint64
}

// siblingChain 按层追踪"最右已访问节点"的兄弟链校验器
// EN: siblingChain keeps one rightmost tracker per tree level.
//
// 遍历保证同层节点从左到右出现，所以每层只需记住上一个节点：
// 新节点的左兄弟指针必须指回它，它的右兄弟指针必须指向新节点。
// 并行检查时每个分片有自己的链，最后按子节点空间顺序两两合并。
type siblingChain struct {
	levels map[int]*levelChain
}

type levelChain struct {
	first levelEnd
	last  levelEnd
}

// newSiblingChain 构建空链
func newSiblingChain() *siblingChain {
	return &siblingChain{levels: make(map[int]*levelChain)}
}

// observe 按从左到右的顺序登记一个节点
func (sc *siblingChain) observe(v ConsistencyVisitor, level int, cur levelEnd, file string) {
	lc, ok := sc.levels[level]
	if !ok {
		sc.levels[level] = &levelChain{first: cur, last: cur}
		return
	}
	checkAdjacent(v, lc.last, cur, file)
	lc.last = cur
}

// checkAdjacent 校验同层相邻两端互指
// 互指成立后再校验指针世代：兄弟槽位总是以写入时刻的 unstable 世代
// 落盘，目标节点被替换时槽位同步重写，所以槽位世代只会大于等于目标
// 节点世代；低于节点世代说明指针停留在目标的旧版本上。
func checkAdjacent(v ConsistencyVisitor, prev, cur levelEnd, file string) {
	if prev.rightPtr != cur.id || cur.leftPtr != prev.id {
		v.SiblingsDontPointToEachOther(
			prev.id, prev.gen, prev.rightPtr, prev.rightGen,
			cur.leftPtr, cur.leftGen, cur.id, cur.gen, file)
		return
	}
	if prev.rightGen < cur.gen {
		v.PointerHasLowerGenerationThanNode("rightSibling", prev.id, prev.rightGen, cur.id, cur.gen, file)
	}
	if cur.leftGen < prev.gen {
		v.PointerHasLowerGenerationThanNode("leftSibling", cur.id, cur.leftGen, prev.id, prev.gen, file)
	}
}

// merge 把右侧分片的链接到本链之后（空间顺序）
func (sc *siblingChain) merge(v ConsistencyVisitor, right *siblingChain, file string) {
	levels := make([]int, 0, len(right.levels))
	for level := range right.levels {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	for _, level := range levels {
		rc := right.levels[level]
		lc, ok := sc.levels[level]
		if !ok {
			sc.levels[level] = &levelChain{first: rc.first, last: rc.last}
			continue
		}
		checkAdjacent(v, lc.last, rc.first, file)
		lc.last = rc.last
	}
}

// finish 终检：每层链的两端都必须封口，
// 最左节点不得有左兄弟，最右节点不得有右兄弟
func (sc *siblingChain) finish(v ConsistencyVisitor, file string) {
	levels := make([]int, 0, len(sc.levels))
	for level := range sc.levels {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	for _, level := range levels {
		lc := sc.levels[level]
		if lc.first.leftPtr != NoNode {
			v.LeftmostNodeHasLeftSibling(lc.first.leftPtr, lc.first.id, file)
		}
		if lc.last.rightPtr != NoNode {
			v.RightmostNodeHasRightSibling(lc.last.rightPtr, lc.last.id, file)
		}
	}
}

// checkShard 一个检查分片的私有状态
// 并行阶段各分片独占读写，避免热路径上的锁竞争；任务收尾时
// 按子节点顺序合并进共享状态。
type checkShard struct {
	bits   *pageBitset
	chains *siblingChain
}

// newCheckShard 构建分片
func newCheckShard(highID uint64) *checkShard {
	return &checkShard{
		bits:   newPageBitset(highID),
		chains: newSiblingChain(),
	}
}

// syncVisitor 给访问器加互斥锁
// 并行分片并发报告，对外承诺回调串行。
type syncVisitor struct {
	mu    sync.Mutex
	inner ConsistencyVisitor
}

func (v *syncVisitor) NotATreeNode(pageID uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.NotATreeNode(pageID, file)
}

func (v *syncVisitor) UnknownTreeNodeType(pageID uint64, typeByte byte, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.UnknownTreeNodeType(pageID, typeByte, file)
}

func (v *syncVisitor) UnreasonableKeyCount(pageID uint64, keyCount int, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.UnreasonableKeyCount(pageID, keyCount, file)
}

func (v *syncVisitor) KeysOutOfOrderInNode(pageID uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.KeysOutOfOrderInNode(pageID, file)
}

func (v *syncVisitor) KeysLocatedInWrongNode(keyRange string, key []byte, pos, keyCount int, pageID uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.KeysLocatedInWrongNode(keyRange, key, pos, keyCount, pageID, file)
}

func (v *syncVisitor) NodeMetaInconsistency(pageID uint64, message string, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.NodeMetaInconsistency(pageID, message, file)
}

func (v *syncVisitor) BrokenPointer(pageID uint64, pointerField string, slotA, slotB GSPSlot, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.BrokenPointer(pageID, pointerField, slotA, slotB, file)
}

func (v *syncVisitor) CrashedPointer(pageID uint64, pointerField string, slotA, slotB GSPSlot, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.CrashedPointer(pageID, pointerField, slotA, slotB, file)
}

func (v *syncVisitor) PointerHasLowerGenerationThanNode(pointerField string, sourceID, pointerGen, targetID, targetGen uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.PointerHasLowerGenerationThanNode(pointerField, sourceID, pointerGen, targetID, targetGen, file)
}

func (v *syncVisitor) PointerToOldVersionOfTreeNode(pageID, successorID uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.PointerToOldVersionOfTreeNode(pageID, successorID, file)
}

func (v *syncVisitor) SiblingsDontPointToEachOther(leftID, leftGen, leftRightPtr, leftRightGen, rightLeftPtr, rightLeftGen, rightID, rightGen uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.SiblingsDontPointToEachOther(leftID, leftGen, leftRightPtr, leftRightGen, rightLeftPtr, rightLeftGen, rightID, rightGen, file)
}

func (v *syncVisitor) RightmostNodeHasRightSibling(rightPtr, rightmostID uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.RightmostNodeHasRightSibling(rightPtr, rightmostID, file)
}

func (v *syncVisitor) LeftmostNodeHasLeftSibling(leftPtr, leftmostID uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.LeftmostNodeHasLeftSibling(leftPtr, leftmostID, file)
}

func (v *syncVisitor) PageIDSeenMultipleTimes(pageID uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.PageIDSeenMultipleTimes(pageID, file)
}

func (v *syncVisitor) PageIDExceedLastID(lastID, pageID uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.PageIDExceedLastID(lastID, pageID, file)
}

func (v *syncVisitor) UnusedPage(pageID uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.UnusedPage(pageID, file)
}

func (v *syncVisitor) ChildNodeFoundAmongParentNodes(keyRange string, level int, pageID uint64, file string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.ChildNodeFoundAmongParentNodes(keyRange, level, pageID, file)
}

// taskFailure 并行子任务的失败包装
type taskFailure struct {
	err error
}

func (f *taskFailure) Error() string { return "check task failed: " + f.err.Error() }
func (f *taskFailure) Unwrap() error { return f.err }

// rootCause 层层剥掉任务包装，落到第一个真实错误
func rootCause(err error) error {
	for {
		f, ok := err.(*taskFailure)
		if !ok {
			return err
		}
		err = f.err
	}
}

// checkPool 有界工作池
// 一次检查独占一个池，检查结束即关闭，不跨调用复用。
type checkPool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	firstErr error
}

// newCheckPool 构建容量为 workers 的池
func newCheckPool(workers int) *checkPool {
	if workers < 1 {
		workers = 1
	}
	return &checkPool{sem: make(chan struct{}, workers)}
}

// submit 占用一个槽位并异步执行任务
func (p *checkPool) submit(fn func() error) {
	p.wg.Add(1)
	p.sem <- struct{}{}
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		if err := fn(); err != nil {
			p.mu.Lock()
			if p.firstErr == nil {
				p.firstErr = &taskFailure{err: err}
			}
			p.mu.Unlock()
		}
	}()
}

// wait 等待全部任务结束，返回第一个失败的根因
func (p *checkPool) wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstErr == nil {
		return nil
	}
	return rootCause(p.firstErr)
}
