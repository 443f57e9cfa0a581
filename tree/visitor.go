// Created by Yanjunhui

package tree

import "sync"

// ConsistencyVisitor 一致性检查的报告接收器
// EN: ConsistencyVisitor receives one callback per violation found.
//
// 每种违规一个回调；检查器尽量报全，从不因结构性违规中断。回调的
// 调用已由检查器内部串行化，实现方无需自行加锁。
type ConsistencyVisitor interface {
	// NotATreeNode 页面不是树节点
	NotATreeNode(pageID uint64, file string)
	// UnknownTreeNodeType 树节点类别字节非法
	UnknownTreeNodeType(pageID uint64, typeByte byte, file string)
	// UnreasonableKeyCount 键数量为负或超出布局上限
	UnreasonableKeyCount(pageID uint64, keyCount int, file string)
	// KeysOutOfOrderInNode 节点内键未严格递增
	KeysOutOfOrderInNode(pageID uint64, file string)
	// KeysLocatedInWrongNode 键越出节点的键区间
	KeysLocatedInWrongNode(keyRange string, key []byte, pos, keyCount int, pageID uint64, file string)
	// NodeMetaInconsistency 布局自有元数据不一致
	NodeMetaInconsistency(pageID uint64, message string, file string)
	// BrokenPointer 指针对存在不可恢复的损坏槽位
	BrokenPointer(pageID uint64, pointerField string, slotA, slotB GSPSlot, file string)
	// CrashedPointer 指针对存在崩溃残留槽位（仅 reportDirty 时报告）
	CrashedPointer(pageID uint64, pointerField string, slotA, slotB GSPSlot, file string)
	// PointerHasLowerGenerationThanNode 指针世代低于目标节点世代
	PointerHasLowerGenerationThanNode(pointerField string, sourceID, pointerGen, targetID, targetGen uint64, file string)
	// PointerToOldVersionOfTreeNode 可达节点仍带有后继指针
	PointerToOldVersionOfTreeNode(pageID, successorID uint64, file string)
	// SiblingsDontPointToEachOther 同层相邻节点的兄弟指针不互指
	SiblingsDontPointToEachOther(
		leftID, leftGen, leftRightPtr, leftRightGen uint64,
		rightLeftPtr, rightLeftGen, rightID, rightGen uint64, file string)
	// RightmostNodeHasRightSibling 层内最右节点仍有右兄弟指针
	RightmostNodeHasRightSibling(rightPtr, rightmostID uint64, file string)
	// LeftmostNodeHasLeftSibling 层内最左节点仍有左兄弟指针
	LeftmostNodeHasLeftSibling(leftPtr, leftmostID uint64, file string)
	// PageIDSeenMultipleTimes 页面被多条路径引用
	PageIDSeenMultipleTimes(pageID uint64, file string)
	// PageIDExceedLastID 页面号超出最近分配的页号
	PageIDExceedLastID(lastID, pageID uint64, file string)
	// UnusedPage 已分配但既不在树中也不在空闲链表中的页面
	UnusedPage(pageID uint64, file string)
	// ChildNodeFoundAmongParentNodes 子指针指回祖先（指针环）
	ChildNodeFoundAmongParentNodes(keyRange string, level int, pageID uint64, file string)
}

// NoopVisitor 全部回调为空操作的适配器
// 嵌入它即可只实现关心的回调。
type NoopVisitor struct{}

func (NoopVisitor) NotATreeNode(uint64, string)                     {}
func (NoopVisitor) UnknownTreeNodeType(uint64, byte, string)        {}
func (NoopVisitor) UnreasonableKeyCount(uint64, int, string)        {}
func (NoopVisitor) KeysOutOfOrderInNode(uint64, string)             {}
func (NoopVisitor) KeysLocatedInWrongNode(string, []byte, int, int, uint64, string) {
}
func (NoopVisitor) NodeMetaInconsistency(uint64, string, string) {}
func (NoopVisitor) BrokenPointer(uint64, string, GSPSlot, GSPSlot, string) {
}
func (NoopVisitor) CrashedPointer(uint64, string, GSPSlot, GSPSlot, string) {
}
func (NoopVisitor) PointerHasLowerGenerationThanNode(string, uint64, uint64, uint64, uint64, string) {
}
func (NoopVisitor) PointerToOldVersionOfTreeNode(uint64, uint64, string) {}
func (NoopVisitor) SiblingsDontPointToEachOther(uint64, uint64, uint64, uint64, uint64, uint64, uint64, uint64, string) {
}
func (NoopVisitor) RightmostNodeHasRightSibling(uint64, uint64, string)     {}
func (NoopVisitor) LeftmostNodeHasLeftSibling(uint64, uint64, string)       {}
func (NoopVisitor) PageIDSeenMultipleTimes(uint64, string)                  {}
func (NoopVisitor) PageIDExceedLastID(uint64, uint64, string)               {}
func (NoopVisitor) UnusedPage(uint64, string)                               {}
func (NoopVisitor) ChildNodeFoundAmongParentNodes(string, int, uint64, string) {
}

// 违规种类名，计数访问器的键
const (
	ViolationNotATreeNode              = "notATreeNode"
	ViolationUnknownTreeNodeType       = "unknownTreeNodeType"
	ViolationUnreasonableKeyCount      = "unreasonableKeyCount"
	ViolationKeysOutOfOrder            = "keysOutOfOrderInNode"
	ViolationKeysInWrongNode           = "keysLocatedInWrongNode"
	ViolationNodeMetaInconsistency     = "nodeMetaInconsistency"
	ViolationBrokenPointer             = "brokenPointer"
	ViolationCrashedPointer            = "crashedPointer"
	ViolationPointerLowerGeneration    = "pointerHasLowerGenerationThanNode"
	ViolationPointerToOldVersion       = "pointerToOldVersionOfTreeNode"
	ViolationSiblingsDontPoint         = "siblingsDontPointToEachOther"
	ViolationRightmostHasRightSibling  = "rightmostNodeHasRightSibling"
	ViolationLeftmostHasLeftSibling    = "leftmostNodeHasLeftSibling"
	ViolationPageIDSeenMultipleTimes   = "pageIdSeenMultipleTimes"
	ViolationPageIDExceedLastID        = "pageIdExceedLastId"
	ViolationUnusedPage                = "unusedPage"
	ViolationChildAmongParents         = "childNodeFoundAmongParentNodes"
)

// CountingVisitor 按种类计数的访问器
type CountingVisitor struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCountingVisitor 构建计数访问器
func NewCountingVisitor() *CountingVisitor {
	return &CountingVisitor{counts: make(map[string]int)}
}

func (v *CountingVisitor) bump(kind string) {
	v.mu.Lock()
	v.counts[kind]++
	v.mu.Unlock()
}

// Count 返回某种违规的次数
func (v *CountingVisitor) Count(kind string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.counts[kind]
}

// Total 返回违规总数
func (v *CountingVisitor) Total() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := 0
	for _, n := range v.counts {
		total += n
	}
	return total
}

// Counts 返回各种类计数的副本
func (v *CountingVisitor) Counts() map[string]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]int, len(v.counts))
	for k, n := range v.counts {
		out[k] = n
	}
	return out
}

func (v *CountingVisitor) NotATreeNode(uint64, string)              { v.bump(ViolationNotATreeNode) }
func (v *CountingVisitor) UnknownTreeNodeType(uint64, byte, string) { v.bump(ViolationUnknownTreeNodeType) }
func (v *CountingVisitor) UnreasonableKeyCount(uint64, int, string) { v.bump(ViolationUnreasonableKeyCount) }
func (v *CountingVisitor) KeysOutOfOrderInNode(uint64, string)      { v.bump(ViolationKeysOutOfOrder) }
func (v *CountingVisitor) KeysLocatedInWrongNode(string, []byte, int, int, uint64, string) {
	v.bump(ViolationKeysInWrongNode)
}
func (v *CountingVisitor) NodeMetaInconsistency(uint64, string, string) {
	v.bump(ViolationNodeMetaInconsistency)
}
func (v *CountingVisitor) BrokenPointer(uint64, string, GSPSlot, GSPSlot, string) {
	v.bump(ViolationBrokenPointer)
}
func (v *CountingVisitor) CrashedPointer(uint64, string, GSPSlot, GSPSlot, string) {
	v.bump(ViolationCrashedPointer)
}
func (v *CountingVisitor) PointerHasLowerGenerationThanNode(string, uint64, uint64, uint64, uint64, string) {
	v.bump(ViolationPointerLowerGeneration)
}
func (v *CountingVisitor) PointerToOldVersionOfTreeNode(uint64, uint64, string) {
	v.bump(ViolationPointerToOldVersion)
}
func (v *CountingVisitor) SiblingsDontPointToEachOther(uint64, uint64, uint64, uint64, uint64, uint64, uint64, uint64, string) {
	v.bump(ViolationSiblingsDontPoint)
}
func (v *CountingVisitor) RightmostNodeHasRightSibling(uint64, uint64, string) {
	v.bump(ViolationRightmostHasRightSibling)
}
func (v *CountingVisitor) LeftmostNodeHasLeftSibling(uint64, uint64, string) {
	v.bump(ViolationLeftmostHasLeftSibling)
}
func (v *CountingVisitor) PageIDSeenMultipleTimes(uint64, string) {
	v.bump(ViolationPageIDSeenMultipleTimes)
}
func (v *CountingVisitor) PageIDExceedLastID(uint64, uint64, string) {
	v.bump(ViolationPageIDExceedLastID)
}
func (v *CountingVisitor) UnusedPage(uint64, string) { v.bump(ViolationUnusedPage) }
func (v *CountingVisitor) ChildNodeFoundAmongParentNodes(string, int, uint64, string) {
	v.bump(ViolationChildAmongParents)
}
