// Created by Yanjunhui

package tree

import (
	"context"
	"fmt"

	"github.com/monolite/gbptree/storage"
)

// maxTreeDepth 下降深度上限，防御指针环
const maxTreeDepth = 64

// maxSuccessorHops 后继链跟随上限
const maxSuccessorHops = 16

// Seeker 区间扫描游标
// EN: Seeker is a range-scan cursor over the leaf sibling chain.
//
// 读取走乐观读协议：每片叶子的内容在 ShouldRetry 循环内整体快照到
// 批缓冲，之后才逐条吐出，因此调用方看不到撕裂的键值。扫描与写入
// 者并发时以"已返回的最后一个键"为续扫下界，叶子分裂或搬移不会
// 造成重复或回退。
type Seeker struct {
	t   *GBPTree
	ctx context.Context
	c   *storage.PageCursor

	to []byte // 上界（不含），nil 表示无上界

	low          []byte // 续扫下界
	lowExclusive bool

	keys     []byte
	values   []byte
	count    int
	pos      int
	nextLeaf uint64

	curKey   []byte
	curValue []byte
	done     bool
	err      error
}

// Seek 打开一个 [fromInclusive, toExclusive) 区间扫描
// fromInclusive 为 nil 时从最小键开始，toExclusive 为 nil 时扫到尾。
func (t *GBPTree) Seek(ctx context.Context, fromInclusive, toExclusive []byte) (*Seeker, error) {
	if fromInclusive != nil && len(fromInclusive) != t.node.keySize {
		return nil, fmt.Errorf("from key size mismatch: got %d, want %d", len(fromInclusive), t.node.keySize)
	}
	if toExclusive != nil && len(toExclusive) != t.node.keySize {
		return nil, fmt.Errorf("to key size mismatch: got %d, want %d", len(toExclusive), t.node.keySize)
	}

	s := &Seeker{
		t:    t,
		ctx:  ctx,
		c:    t.pf.NewReadCursor(ctx),
		to:   toExclusive,
		keys: make([]byte, t.node.leafMax*t.node.keySize),
	}
	if fromInclusive != nil {
		s.low = append([]byte(nil), fromInclusive...)
	}
	s.values = make([]byte, t.node.leafMax*t.node.valueSize)
	s.curKey = make([]byte, t.node.keySize)
	s.curValue = make([]byte, t.node.valueSize)

	leafID, err := t.descendToLeaf(s.c, fromInclusive)
	if err != nil {
		s.c.Close()
		return nil, err
	}
	s.nextLeaf = leafID
	return s, nil
}

// Next 前进到下一条命中，返回是否存在
func (s *Seeker) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for {
		if s.pos < s.count {
			n := s.t.node
			copy(s.curKey, s.keys[s.pos*n.keySize:])
			copy(s.curValue, s.values[s.pos*n.valueSize:])
			s.pos++
			if s.to != nil && s.t.layout.Compare(s.curKey, s.to) >= 0 {
				s.done = true
				return false
			}
			// 记录续扫下界，叶子迁移后从这里重新对齐
			s.low = append(s.low[:0], s.curKey...)
			s.lowExclusive = true
			return true
		}
		if s.nextLeaf == NoNode {
			s.done = true
			return false
		}
		if err := s.loadLeaf(s.nextLeaf); err != nil {
			s.err = err
			return false
		}
	}
}

// loadLeaf 将一片叶子中落在扫描区间内的条目整体快照进批缓冲
func (s *Seeker) loadLeaf(id uint64) error {
	t := s.t
	n := t.node
	_, _, stableGen, unstableGen, _ := t.snapshotState()

	for hop := 0; ; hop++ {
		if hop >= maxSuccessorHops {
			return fmt.Errorf("successor chain too long at page %d", id)
		}
		if err := s.c.Next(storage.PageID(id)); err != nil {
			return err
		}

		var succ uint64
		var typ byte
		var kc int
		var right uint64
		var collected int
		key := make([]byte, n.keySize)
		for {
			succ = NoNode
			right = NoNode
			collected = 0

			sa, sb := readGSPP(s.c, bytePosSuccessor, stableGen, unstableGen)
			if !gsppEmpty(sa, sb) {
				if slot, ok := resolveGSPP(sa, sb); ok {
					succ = slot.Pointer
				}
			}
			typ = readTreeNodeType(s.c)
			kc = readKeyCount(s.c)

			if succ == NoNode && typ == TreeNodeTypeLeaf && kc >= 0 && kc <= n.leafMax {
				ra, rb := readGSPP(s.c, bytePosRightSibling, stableGen, unstableGen)
				if !gsppEmpty(ra, rb) {
					if slot, ok := resolveGSPP(ra, rb); ok {
						right = slot.Pointer
					}
				}
				for i := 0; i < kc; i++ {
					n.KeyAt(s.c, key, i)
					if s.low != nil {
						cmp := t.layout.Compare(key, s.low)
						if cmp < 0 || (cmp == 0 && s.lowExclusive) {
							continue
						}
					}
					copy(s.keys[collected*n.keySize:], key)
					n.ValueAt(s.c, s.values[collected*n.valueSize:(collected+1)*n.valueSize], i)
					collected++
				}
			}
			if !s.c.ShouldRetry() {
				break
			}
		}
		if err := s.c.CheckAndClearCursorError(); err != nil {
			return err
		}

		// 节点已被替换：跟随后继
		if succ != NoNode {
			id = succ
			continue
		}
		if typ != TreeNodeTypeLeaf {
			return fmt.Errorf("page %d in leaf chain is not a leaf (type 0x%02x)", id, typ)
		}
		if kc < 0 || kc > n.leafMax {
			return fmt.Errorf("leaf %d has invalid key count %d", id, kc)
		}

		s.count = collected
		s.pos = 0
		s.nextLeaf = right
		return nil
	}
}

// Key 返回当前键（下次 Next 前有效）
func (s *Seeker) Key() []byte { return s.curKey }

// Value 返回当前值（下次 Next 前有效）
func (s *Seeker) Value() []byte { return s.curValue }

// Err 返回扫描过程中遇到的错误
func (s *Seeker) Err() error { return s.err }

// Close 关闭扫描游标
func (s *Seeker) Close() {
	s.c.Close()
	s.done = true
}

// descendToLeaf 从根下降到应包含 key 的叶子
// key 为 nil 时下降到最左叶子。每层的多字段读取都在重试循环内。
func (t *GBPTree) descendToLeaf(c *storage.PageCursor, key []byte) (uint64, error) {
	rootID, _, stableGen, unstableGen, _ := t.snapshotState()
	id := rootID

	for depth := 0; depth < maxTreeDepth; depth++ {
		if err := c.Next(storage.PageID(id)); err != nil {
			return 0, err
		}

		var succ, child uint64
		var typ byte
		for {
			succ = NoNode
			child = NoNode

			sa, sb := readGSPP(c, bytePosSuccessor, stableGen, unstableGen)
			if !gsppEmpty(sa, sb) {
				if slot, ok := resolveGSPP(sa, sb); ok {
					succ = slot.Pointer
				}
			}
			typ = readTreeNodeType(c)
			if succ == NoNode && typ == TreeNodeTypeInternal {
				kc := readKeyCount(c)
				if kc >= 0 && kc <= t.node.internalMax {
					childPos := 0
					if key != nil {
						pos, found := t.search(c, kc, key)
						childPos = pos
						if found {
							childPos = pos + 1
						}
					}
					ca, cb := readGSPP(c, t.node.childOffset(childPos), stableGen, unstableGen)
					if slot, ok := resolveGSPP(ca, cb); ok {
						child = slot.Pointer
					}
				}
			}
			if !c.ShouldRetry() {
				break
			}
		}
		if err := c.CheckAndClearCursorError(); err != nil {
			return 0, err
		}

		if succ != NoNode {
			id = succ
			continue
		}
		if typ == TreeNodeTypeLeaf {
			return id, nil
		}
		if typ != TreeNodeTypeInternal {
			return 0, fmt.Errorf("page %d on descent is not a tree node (type 0x%02x)", id, typ)
		}
		if child == NoNode {
			return 0, fmt.Errorf("internal node %d has unreadable child pointer", id)
		}
		id = child
	}
	return 0, fmt.Errorf("tree descent exceeded depth limit %d: pointer cycle suspected", maxTreeDepth)
}

// Get 查找单个键
func (t *GBPTree) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	s, err := t.Seek(ctx, key, nil)
	if err != nil {
		return nil, false, err
	}
	defer s.Close()
	if !s.Next() {
		return nil, false, s.Err()
	}
	if t.layout.Compare(s.Key(), key) != 0 {
		return nil, false, nil
	}
	value := make([]byte, t.node.valueSize)
	copy(value, s.Value())
	return value, true, nil
}
