// Created by Yanjunhui

package tree

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/monolite/gbptree/storage"
)

// buildCheckTree 构建一棵已检查点的多层树
func buildCheckTree(t *testing.T, n int) (*GBPTree, context.Context) {
	t.Helper()
	ctx := context.Background()
	tr := openTestTree(t, filepath.Join(t.TempDir(), "check.db"))
	t.Cleanup(func() { tr.pf.Close() })

	for _, k := range shuffledInt64s(n, 11) {
		if err := tr.Insert(ctx, EncodeInt64Key(k), EncodeInt64Key(k)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := tr.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	return tr, ctx
}

// leftmostLeaf 找到最左叶子的页号
func leftmostLeaf(t *testing.T, tr *GBPTree, ctx context.Context) uint64 {
	t.Helper()
	c := tr.pf.NewReadCursor(ctx)
	defer c.Close()
	id, err := tr.descendToLeaf(c, nil)
	if err != nil {
		t.Fatalf("descend: %v", err)
	}
	return id
}

// runCheck 跑一遍检查并返回计数
func runCheck(t *testing.T, tr *GBPTree, ctx context.Context, opts CheckOptions) *CountingVisitor {
	t.Helper()
	counter := NewCountingVisitor()
	if err := tr.ConsistencyCheck(ctx, counter, opts); err != nil {
		t.Fatalf("consistency check: %v", err)
	}
	return counter
}

func TestCheckCleanTreeReportsNothing(t *testing.T) {
	tr, ctx := buildCheckTree(t, 3000)
	for _, threads := range []int{1, 8} {
		counter := runCheck(t, tr, ctx, CheckOptions{NumThreads: threads})
		if counter.Total() != 0 {
			t.Fatalf("threads=%d: clean tree has violations: %v", threads, counter.Counts())
		}
	}
}

func TestCheckDetectsOutOfOrderKeys(t *testing.T) {
	tr, ctx := buildCheckTree(t, 2000)
	leaf := leftmostLeaf(t, tr, ctx)

	// 交换叶子的前两个键
	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(leaf)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	k0 := make([]byte, tr.node.keySize)
	k1 := make([]byte, tr.node.keySize)
	tr.node.KeyAt(c, k0, 0)
	tr.node.KeyAt(c, k1, 1)
	tr.node.SetKeyAt(c, k1, 0)
	tr.node.SetKeyAt(c, k0, 1)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()

	counter := runCheck(t, tr, ctx, CheckOptions{})
	if counter.Count(ViolationKeysOutOfOrder) == 0 {
		t.Fatalf("out-of-order keys not reported: %v", counter.Counts())
	}
}

func TestCheckDetectsKeyInWrongNode(t *testing.T) {
	tr, ctx := buildCheckTree(t, 2000)
	leaf := leftmostLeaf(t, tr, ctx)

	// 最左叶子的末键改成远超其父分隔键的值：节点内仍有序，但越界
	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(leaf)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	kc := readKeyCount(c)
	tr.node.SetKeyAt(c, EncodeInt64Key(1<<40), kc-1)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()

	counter := runCheck(t, tr, ctx, CheckOptions{})
	if counter.Count(ViolationKeysInWrongNode) == 0 {
		t.Fatalf("range violation not reported: %v", counter.Counts())
	}
}

func TestCheckDetectsSiblingChainBreak(t *testing.T) {
	tr, ctx := buildCheckTree(t, 2000)
	leaf := leftmostLeaf(t, tr, ctx)

	// 找到第二片叶子，把它的左兄弟指针改指别处
	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(leaf)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	second, err := resolvePointer(c, bytePosRightSibling, tr.stableGen, tr.unstableGen)
	if err != nil || second == NoNode {
		t.Fatalf("no second leaf: %d %v", second, err)
	}
	if err := c.Next(storage.PageID(second)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	initGSPP(c, bytePosLeftSibling)
	writeGSPP(c, bytePosLeftSibling, tr.stableGen, tr.unstableGen, 12345)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()

	counter := runCheck(t, tr, ctx, CheckOptions{})
	if counter.Count(ViolationSiblingsDontPoint) == 0 {
		t.Fatalf("sibling break not reported: %v", counter.Counts())
	}
}

// 链的左端也要封口：最左叶子长出左兄弟必须被发现
func TestCheckDetectsLeftmostLeafWithLeftSibling(t *testing.T) {
	tr, ctx := buildCheckTree(t, 2000)
	leaf := leftmostLeaf(t, tr, ctx)

	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(leaf)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	initGSPP(c, bytePosLeftSibling)
	writeGSPP(c, bytePosLeftSibling, tr.stableGen, tr.unstableGen, 4242)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()

	counter := runCheck(t, tr, ctx, CheckOptions{})
	if counter.Count(ViolationLeftmostHasLeftSibling) == 0 {
		t.Fatalf("dangling left end not reported: %v", counter.Counts())
	}
}

// 兄弟指针互指成立但世代停留在邻居的旧版本上
func TestCheckDetectsStaleSiblingPointerGeneration(t *testing.T) {
	tr, ctx := buildCheckTree(t, 2000)
	leaf := leftmostLeaf(t, tr, ctx)

	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(leaf)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	second, err := resolvePointer(c, bytePosRightSibling, tr.stableGen, tr.unstableGen)
	if err != nil || second == NoNode {
		t.Fatalf("no second leaf: %d %v", second, err)
	}

	// 指针值仍然正确，但世代低于目标节点的世代
	initGSPP(c, bytePosRightSibling)
	writeGSPSlot(c, bytePosRightSibling, 1, second)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()

	counter := runCheck(t, tr, ctx, CheckOptions{})
	if counter.Count(ViolationPointerLowerGeneration) == 0 {
		t.Fatalf("stale sibling generation not reported: %v", counter.Counts())
	}
}

func TestCheckDetectsBrokenPointer(t *testing.T) {
	tr, ctx := buildCheckTree(t, 2000)
	leaf := leftmostLeaf(t, tr, ctx)

	// 右兄弟槽位的指针字改掉但不修校验和
	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(leaf)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	off := bytePosRightSibling + genSize
	c.PutUint64At(off, c.GetUint64At(off)^0xFF)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()

	counter := runCheck(t, tr, ctx, CheckOptions{})
	if counter.Count(ViolationBrokenPointer) == 0 {
		t.Fatalf("broken pointer not reported: %v", counter.Counts())
	}
}

func TestCheckCrashedPointerReportedOnlyWhenDirty(t *testing.T) {
	tr, ctx := buildCheckTree(t, 500)
	leaf := leftmostLeaf(t, tr, ctx)

	// 人为制造世代空洞，再以空洞中的世代写一个槽位 → CRASH
	tr.unstableGen++
	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(leaf)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	writeGSPSlot(c, bytePosSuccessor, tr.unstableGen-1, 999)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()

	quiet := runCheck(t, tr, ctx, CheckOptions{ReportDirty: false})
	if quiet.Count(ViolationCrashedPointer) != 0 {
		t.Fatalf("crashed pointer reported without reportDirty: %v", quiet.Counts())
	}
	loud := runCheck(t, tr, ctx, CheckOptions{ReportDirty: true})
	if loud.Count(ViolationCrashedPointer) == 0 {
		t.Fatalf("crashed pointer not reported with reportDirty: %v", loud.Counts())
	}
}

func TestCheckDetectsNotATreeNode(t *testing.T) {
	tr, ctx := buildCheckTree(t, 2000)
	leaf := leftmostLeaf(t, tr, ctx)

	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(leaf)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	c.PutByteAt(bytePosNodeType, 0x7F)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()

	counter := runCheck(t, tr, ctx, CheckOptions{})
	if counter.Count(ViolationNotATreeNode) == 0 {
		t.Fatalf("foreign page not reported: %v", counter.Counts())
	}
}

func TestCheckDetectsUnreasonableKeyCount(t *testing.T) {
	tr, ctx := buildCheckTree(t, 2000)
	leaf := leftmostLeaf(t, tr, ctx)

	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(leaf)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	writeKeyCount(c, -5)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()

	counter := runCheck(t, tr, ctx, CheckOptions{})
	if counter.Count(ViolationUnreasonableKeyCount) == 0 {
		t.Fatalf("bad key count not reported: %v", counter.Counts())
	}
}

func TestCheckDetectsUnusedPages(t *testing.T) {
	tr, ctx := buildCheckTree(t, 500)

	// 伪造三个从未投入使用的已分配页号
	tr.freelist.lastID += 3

	counter := runCheck(t, tr, ctx, CheckOptions{})
	if got := counter.Count(ViolationUnusedPage); got != 3 {
		t.Fatalf("unused pages = %d, want 3 (%v)", got, counter.Counts())
	}
}

func TestCheckDetectsPointerCycle(t *testing.T) {
	tr, ctx := buildCheckTree(t, 2000)

	// 根的第 0 个子指针改指根自身
	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(tr.rootID)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if readTreeNodeType(c) != TreeNodeTypeInternal {
		t.Skip("tree too small for an internal root")
	}
	tr.node.SetChildAt(c, tr.rootID, 0, tr.stableGen, tr.unstableGen)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()

	counter := runCheck(t, tr, ctx, CheckOptions{})
	if counter.Count(ViolationChildAmongParents) == 0 {
		t.Fatalf("pointer cycle not reported: %v", counter.Counts())
	}
}

// 并行与串行检查必须报告同一组违规
func TestCheckParallelSerialEquivalence(t *testing.T) {
	tr, ctx := buildCheckTree(t, 5000)
	leaf := leftmostLeaf(t, tr, ctx)

	// 造两处独立损坏
	c := tr.pf.NewWriteCursor(ctx)
	if err := c.Next(storage.PageID(leaf)); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	k0 := make([]byte, tr.node.keySize)
	tr.node.KeyAt(c, k0, 1)
	tr.node.SetKeyAt(c, k0, 0)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	c.Close()
	tr.freelist.lastID += 2

	serial := runCheck(t, tr, ctx, CheckOptions{NumThreads: 1})
	parallel := runCheck(t, tr, ctx, CheckOptions{NumThreads: 8})
	if !reflect.DeepEqual(serial.Counts(), parallel.Counts()) {
		t.Fatalf("serial %v != parallel %v", serial.Counts(), parallel.Counts())
	}
	if serial.Total() == 0 {
		t.Fatalf("expected induced violations to be found")
	}
}

func TestCheckCancellation(t *testing.T) {
	tr, _ := buildCheckTree(t, 500)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.ConsistencyCheck(ctx, NewCountingVisitor(), CheckOptions{}); err == nil {
		t.Fatalf("cancelled check should return an error")
	}
}
