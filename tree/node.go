// Created by Yanjunhui

package tree

import (
	"fmt"
	"math"

	"github.com/monolite/gbptree/storage"
)

// 树节点头部布局
// EN: Tree node header layout.
//
//	offset 0    nodeType     u8   页面类别（树节点 / 空闲链表节点）
//	offset 1    treeNodeType u8   树节点类别（叶子 / 内部）
//	offset 2    generation   u64  节点世代
//	offset 10   keyCount     u32  键数量
//	offset 14   leftSibling  GSPP 左兄弟指针对
//	offset 50   rightSibling GSPP 右兄弟指针对
//	offset 86   successor    GSPP 后继节点指针对
//	offset 122  动态区起点
const (
	bytePosNodeType     = 0
	bytePosTreeNodeType = 1
	bytePosGeneration   = 2
	bytePosKeyCount     = 10
	bytePosLeftSibling  = 14
	bytePosRightSibling = bytePosLeftSibling + gsppSize
	bytePosSuccessor    = bytePosRightSibling + gsppSize

	// headerLength 头部总长度
	headerLength = bytePosSuccessor + gsppSize // 122
)

// 页面类别
const (
	// NodeTypeTreeNode 树节点页
	NodeTypeTreeNode byte = 0x01
	// NodeTypeFreelistNode 空闲链表节点页
	NodeTypeFreelistNode byte = 0x02
)

// 树节点类别
const (
	// TreeNodeTypeLeaf 叶子节点
	TreeNodeTypeLeaf byte = 0x01
	// TreeNodeTypeInternal 内部节点
	TreeNodeTypeInternal byte = 0x02
)

// initTreeNode 初始化一个新的树节点头部（所有指针对清零）
func initTreeNode(c *storage.PageCursor, treeNodeType byte, generation uint64) {
	c.PutByteAt(bytePosNodeType, NodeTypeTreeNode)
	c.PutByteAt(bytePosTreeNodeType, treeNodeType)
	c.PutUint64At(bytePosGeneration, generation)
	c.PutUint32At(bytePosKeyCount, 0)
	initGSPP(c, bytePosLeftSibling)
	initGSPP(c, bytePosRightSibling)
	initGSPP(c, bytePosSuccessor)
}

// readNodeType 读取页面类别
func readNodeType(c *storage.PageCursor) byte {
	return c.GetByteAt(bytePosNodeType)
}

// readTreeNodeType 读取树节点类别
func readTreeNodeType(c *storage.PageCursor) byte {
	return c.GetByteAt(bytePosTreeNodeType)
}

// readGeneration 读取节点世代
func readGeneration(c *storage.PageCursor) uint64 {
	return c.GetUint64At(bytePosGeneration)
}

// writeGeneration 写入节点世代
func writeGeneration(c *storage.PageCursor, generation uint64) {
	c.PutUint64At(bytePosGeneration, generation)
}

// readKeyCount 读取键数量
// EN: readKeyCount decodes the key count as a signed value so that a
// corrupted count can be seen as negative by the checker.
func readKeyCount(c *storage.PageCursor) int {
	return int(int32(c.GetUint32At(bytePosKeyCount)))
}

// writeKeyCount 写入键数量
func writeKeyCount(c *storage.PageCursor, n int) {
	c.PutUint32At(bytePosKeyCount, uint32(n))
}

// FixedSizeNode 定长键值的节点布局
// EN: FixedSizeNode is the node format for fixed-size keys and values.
//
// 叶子节点：键区 [header, header+leafMax*keySize)，值区紧随其后。
// 内部节点：键区同上（上限 internalMax），子指针区位于
// header+internalMax*keySize 起，共 internalMax+1 个指针对。
// 定长布局永远不会溢出到独立页面。
type FixedSizeNode struct {
	layout      Layout
	keySize     int
	valueSize   int
	leafMax     int
	internalMax int

	leafValueBase int // 叶子值区起始偏移
	childBase     int // 内部节点子指针区起始偏移
	halfLeafSpace int // 叶子动态区的一半空间（字节）
}

// NewFixedSizeNode 根据布局计算节点容量
// 任一容量低于 2 说明键值对于页面尺寸过大，拒绝构建。
func NewFixedSizeNode(layout Layout) (*FixedSizeNode, error) {
	keySize := layout.KeySize()
	valueSize := layout.ValueSize()
	if keySize <= 0 || valueSize < 0 {
		return nil, fmt.Errorf("invalid layout %s: keySize=%d valueSize=%d", layout.Name(), keySize, valueSize)
	}

	space := storage.PageSize - headerLength
	internalMax := (space - gsppSize) / (keySize + gsppSize)
	leafMax := space / (keySize + valueSize)

	if internalMax < 2 || leafMax < 2 {
		return nil, fmt.Errorf("layout %s too large for page size %d: internalMax=%d leafMax=%d",
			layout.Name(), storage.PageSize, internalMax, leafMax)
	}

	return &FixedSizeNode{
		layout:        layout,
		keySize:       keySize,
		valueSize:     valueSize,
		leafMax:       leafMax,
		internalMax:   internalMax,
		leafValueBase: headerLength + leafMax*keySize,
		childBase:     headerLength + internalMax*keySize,
		halfLeafSpace: leafMax * (keySize + valueSize) / 2,
	}, nil
}

// Layout 返回键值布局
func (n *FixedSizeNode) Layout() Layout { return n.layout }

// LeafMaxKeyCount 叶子节点键容量
func (n *FixedSizeNode) LeafMaxKeyCount() int { return n.leafMax }

// InternalMaxKeyCount 内部节点键容量
func (n *FixedSizeNode) InternalMaxKeyCount() int { return n.internalMax }

// keyOffset 位置 pos 的键偏移（叶子和内部节点的键区起点相同）
func (n *FixedSizeNode) keyOffset(pos int) int {
	return headerLength + pos*n.keySize
}

// valueOffset 叶子节点位置 pos 的值偏移
func (n *FixedSizeNode) valueOffset(pos int) int {
	return n.leafValueBase + pos*n.valueSize
}

// childOffset 内部节点位置 pos 的子指针对偏移
func (n *FixedSizeNode) childOffset(pos int) int {
	return n.childBase + pos*gsppSize
}

// KeyAt 读取位置 pos 的键
func (n *FixedSizeNode) KeyAt(c *storage.PageCursor, into []byte, pos int) {
	c.ReadAt(n.keyOffset(pos), into)
}

// ValueAt 读取叶子位置 pos 的值
func (n *FixedSizeNode) ValueAt(c *storage.PageCursor, into []byte, pos int) {
	c.ReadAt(n.valueOffset(pos), into)
}

// SetValueAt 覆写叶子位置 pos 的值
func (n *FixedSizeNode) SetValueAt(c *storage.PageCursor, value []byte, pos int) {
	c.WriteAt(n.valueOffset(pos), value)
}

// SetKeyAt 覆写位置 pos 的键
func (n *FixedSizeNode) SetKeyAt(c *storage.PageCursor, key []byte, pos int) {
	c.WriteAt(n.keyOffset(pos), key)
}

// childAt 解析内部节点位置 pos 的子指针
func (n *FixedSizeNode) childAt(c *storage.PageCursor, pos int, stableGen, unstableGen uint64) (GSPSlot, bool) {
	a, b := readGSPP(c, n.childOffset(pos), stableGen, unstableGen)
	return resolveGSPP(a, b)
}

// SetChildAt 覆写内部节点位置 pos 的子指针
// 整个指针对重置后重写，丢弃旧槽位历史。
func (n *FixedSizeNode) SetChildAt(c *storage.PageCursor, child uint64, pos int, stableGen, unstableGen uint64) {
	initGSPP(c, n.childOffset(pos))
	writeGSPP(c, n.childOffset(pos), stableGen, unstableGen, child)
}

// InsertKeyValueAt 叶子节点在位置 pos 插入键值
// keyCount 为插入前的键数量，调用方负责更新计数。
func (n *FixedSizeNode) InsertKeyValueAt(c *storage.PageCursor, key, value []byte, pos, keyCount int) {
	tail := keyCount - pos
	if tail > 0 {
		c.CopyTo(n.keyOffset(pos), c, n.keyOffset(pos+1), tail*n.keySize)
		c.CopyTo(n.valueOffset(pos), c, n.valueOffset(pos+1), tail*n.valueSize)
	}
	c.WriteAt(n.keyOffset(pos), key)
	c.WriteAt(n.valueOffset(pos), value)
}

// RemoveKeyValueAt 叶子节点移除位置 pos 的键值
func (n *FixedSizeNode) RemoveKeyValueAt(c *storage.PageCursor, pos, keyCount int) {
	tail := keyCount - pos - 1
	if tail > 0 {
		c.CopyTo(n.keyOffset(pos+1), c, n.keyOffset(pos), tail*n.keySize)
		c.CopyTo(n.valueOffset(pos+1), c, n.valueOffset(pos), tail*n.valueSize)
	}
}

// InsertKeyAndRightChildAt 内部节点在位置 pos 插入键及其右子指针
// keyCount 为插入前的键数量，调用方负责更新计数。
func (n *FixedSizeNode) InsertKeyAndRightChildAt(c *storage.PageCursor, key []byte, rightChild uint64, pos, keyCount int, stableGen, unstableGen uint64) {
	tail := keyCount - pos
	if tail > 0 {
		c.CopyTo(n.keyOffset(pos), c, n.keyOffset(pos+1), tail*n.keySize)
		c.CopyTo(n.childOffset(pos+1), c, n.childOffset(pos+2), tail*gsppSize)
	}
	c.WriteAt(n.keyOffset(pos), key)
	n.SetChildAt(c, rightChild, pos+1, stableGen, unstableGen)
}

// RemoveKeyAndRightChildAt 内部节点移除位置 pos 的键及其右子指针
func (n *FixedSizeNode) RemoveKeyAndRightChildAt(c *storage.PageCursor, pos, keyCount int) {
	keyTail := keyCount - pos - 1
	if keyTail > 0 {
		c.CopyTo(n.keyOffset(pos+1), c, n.keyOffset(pos), keyTail*n.keySize)
	}
	childTail := keyCount - pos - 1
	if childTail > 0 {
		c.CopyTo(n.childOffset(pos+2), c, n.childOffset(pos+1), childTail*gsppSize)
	}
}

// RemoveKeyAndLeftChildAt 内部节点移除位置 pos 的键及其左子指针
func (n *FixedSizeNode) RemoveKeyAndLeftChildAt(c *storage.PageCursor, pos, keyCount int) {
	keyTail := keyCount - pos - 1
	if keyTail > 0 {
		c.CopyTo(n.keyOffset(pos+1), c, n.keyOffset(pos), keyTail*n.keySize)
	}
	childTail := keyCount - pos
	if childTail > 0 {
		c.CopyTo(n.childOffset(pos+1), c, n.childOffset(pos), childTail*gsppSize)
	}
}

// splitPos 根据分裂比例计算分裂点
// EN: splitPos clamps round(ratio*(keyCount+1)) into [1, keyCount].
func splitPos(keyCount int, ratio float64) int {
	pos := int(math.Round(ratio * float64(keyCount+1)))
	if pos < 1 {
		pos = 1
	}
	if pos > keyCount {
		pos = keyCount
	}
	return pos
}

// DoSplitLeaf 分裂一个已满的叶子并插入新键值
// left 为原节点（已满，keyCount 个键），right 为新建的空节点。
// 返回分裂后左右节点的键数量；左右键数量之和恒为 keyCount+1。
func (n *FixedSizeNode) DoSplitLeaf(left, right *storage.PageCursor, keyCount, insertPos int, key, value []byte, ratio float64) (int, int) {
	split := splitPos(keyCount, ratio)

	var leftCount, rightCount int
	if insertPos < split {
		// 新键落在左节点：右节点取走 [split-1, keyCount)，再在左节点插入
		moved := keyCount - (split - 1)
		left.CopyTo(n.keyOffset(split-1), right, n.keyOffset(0), moved*n.keySize)
		left.CopyTo(n.valueOffset(split-1), right, n.valueOffset(0), moved*n.valueSize)
		leftCount = split - 1
		n.InsertKeyValueAt(left, key, value, insertPos, leftCount)
		leftCount++
		rightCount = moved
	} else {
		// 新键落在右节点：[split, insertPos) + 新键 + [insertPos, keyCount)
		before := insertPos - split
		after := keyCount - insertPos
		left.CopyTo(n.keyOffset(split), right, n.keyOffset(0), before*n.keySize)
		left.CopyTo(n.valueOffset(split), right, n.valueOffset(0), before*n.valueSize)
		right.WriteAt(n.keyOffset(before), key)
		right.WriteAt(n.valueOffset(before), value)
		if after > 0 {
			left.CopyTo(n.keyOffset(insertPos), right, n.keyOffset(before+1), after*n.keySize)
			left.CopyTo(n.valueOffset(insertPos), right, n.valueOffset(before+1), after*n.valueSize)
		}
		leftCount = split
		rightCount = before + 1 + after
	}

	writeKeyCount(left, leftCount)
	writeKeyCount(right, rightCount)
	return leftCount, rightCount
}

// DoSplitInternal 分裂一个已满的内部节点并插入新键及右子指针
// 返回左右键数量和上推的分隔键。分隔键不保留在任一子节点中，
// 故左右键数量之和恒为 keyCount（比叶子少一）。
func (n *FixedSizeNode) DoSplitInternal(left, right *storage.PageCursor, keyCount, insertPos int, key []byte, rightChild uint64, ratio float64, stableGen, unstableGen uint64) (int, int, []byte) {
	split := splitPos(keyCount, ratio)
	separator := make([]byte, n.keySize)

	var leftCount, rightCount int
	switch {
	case insertPos < split:
		// 分隔键取原位置 split-1 的键，新键插入左节点
		left.ReadAt(n.keyOffset(split-1), separator)
		moved := keyCount - split
		if moved > 0 {
			left.CopyTo(n.keyOffset(split), right, n.keyOffset(0), moved*n.keySize)
		}
		left.CopyTo(n.childOffset(split), right, n.childOffset(0), (moved+1)*gsppSize)
		leftCount = split - 1
		n.InsertKeyAndRightChildAt(left, key, rightChild, insertPos, leftCount, stableGen, unstableGen)
		leftCount++
		rightCount = moved

	case insertPos > split:
		// 分隔键取原位置 split 的键，新键插入右节点
		left.ReadAt(n.keyOffset(split), separator)
		before := insertPos - split - 1
		after := keyCount - insertPos
		if before > 0 {
			left.CopyTo(n.keyOffset(split+1), right, n.keyOffset(0), before*n.keySize)
		}
		right.WriteAt(n.keyOffset(before), key)
		if after > 0 {
			left.CopyTo(n.keyOffset(insertPos), right, n.keyOffset(before+1), after*n.keySize)
		}
		left.CopyTo(n.childOffset(split+1), right, n.childOffset(0), (before+1)*gsppSize)
		n.SetChildAt(right, rightChild, before+1, stableGen, unstableGen)
		if after > 0 {
			left.CopyTo(n.childOffset(insertPos+1), right, n.childOffset(before+2), after*gsppSize)
		}
		leftCount = split
		rightCount = before + 1 + after

	default:
		// 新键本身成为分隔键，其右子指针成为右节点的第一个子指针
		copy(separator, key)
		moved := keyCount - split
		if moved > 0 {
			left.CopyTo(n.keyOffset(split), right, n.keyOffset(0), moved*n.keySize)
			left.CopyTo(n.childOffset(split+1), right, n.childOffset(1), moved*gsppSize)
		}
		n.SetChildAt(right, rightChild, 0, stableGen, unstableGen)
		leftCount = split
		rightCount = moved
	}

	writeKeyCount(left, leftCount)
	writeKeyCount(right, rightCount)
	return leftCount, rightCount, separator
}

// CanMergeLeaves 报告两个叶子是否可以合并进一个节点
func (n *FixedSizeNode) CanMergeLeaves(leftKeyCount, rightKeyCount int) bool {
	return leftKeyCount+rightKeyCount <= n.leafMax
}

// CanRebalanceLeaves 计算叶子再平衡需要从右节点移入左节点的键数
// 返回 -1 表示不再平衡：两节点合计不超过容量（应合并而非再平衡），
// 或左节点已不少于一半。
func (n *FixedSizeNode) CanRebalanceLeaves(leftKeyCount, rightKeyCount int) int {
	total := leftKeyCount + rightKeyCount
	if total <= n.leafMax {
		return -1
	}
	move := total/2 - leftKeyCount
	if move <= 0 {
		return -1
	}
	return move
}

// LeafUnderflow 报告叶子是否处于下溢状态（空闲空间超过一半）
func (n *FixedSizeNode) LeafUnderflow(keyCount int) bool {
	free := (n.leafMax - keyCount) * (n.keySize + n.valueSize)
	return free > n.halfLeafSpace
}

// CheckMetaConsistency 布局自有的额外元数据校验钩子
// 定长布局没有页内元数据，恒为空；动态布局会在此检查偏移表。
func (n *FixedSizeNode) CheckMetaConsistency(c *storage.PageCursor) string {
	return ""
}

// ReasonableKeyCount 报告键数量对该节点类别是否合法
func (n *FixedSizeNode) ReasonableKeyCount(treeNodeType byte, keyCount int) bool {
	if keyCount < 0 {
		return false
	}
	switch treeNodeType {
	case TreeNodeTypeLeaf:
		return keyCount <= n.leafMax
	case TreeNodeTypeInternal:
		return keyCount <= n.internalMax
	default:
		return false
	}
}
