// Created by Yanjunhui

package tree

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/monolite/gbptree/storage"
)

// 世代安全指针（GSP）布局常量
// EN: Generation-safe pointer (GSP) layout constants.
//
// 一个指针对（GSPP）由两个冗余槽位构成，每个槽位保存
// {generation u64, pointer u64, checksum u16}。写入时只覆盖
// 较旧或无效的槽位，另一个槽位保持可读，崩溃恢复依赖于此。
// EN: A pointer pair (GSPP) holds two redundant slots of
// {generation u64, pointer u64, checksum u16}. A write only overwrites
// the older or invalid slot; the other slot stays readable, which is
// what crash recovery relies on.
const (
	genSize      = 8
	pointerSize  = 8
	checksumSize = 2
	gspSize      = genSize + pointerSize + checksumSize // 18
	gsppSize     = gspSize * 2                          // 36
)

// 保留的页面标识与世代
const (
	// NoNode 空指针
	NoNode uint64 = 0
	// MinTreeNodeID 最小合法树节点页号（页 0 为状态页）
	MinTreeNodeID uint64 = 1
	// MinGeneration 最小合法世代
	MinGeneration uint64 = 1
)

// GSPState 指针槽位状态
type GSPState uint8

// 槽位状态枚举
// 分类依据当前的 stable/unstable 世代：
//
//	EMPTY    世代和指针都为零
//	BROKEN   校验和错误、世代非法或超过 unstable
//	STABLE   世代 <= stable（检查点已覆盖）
//	UNSTABLE 世代 == unstable（检查点后写入）
//	CRASH    stable < 世代 < unstable（属于某个已被崩溃截断的世代）
const (
	GSPEmpty GSPState = iota
	GSPStable
	GSPUnstable
	GSPCrash
	GSPBroken
)

// String 返回状态名称
func (s GSPState) String() string {
	switch s {
	case GSPEmpty:
		return "EMPTY"
	case GSPStable:
		return "STABLE"
	case GSPUnstable:
		return "UNSTABLE"
	case GSPCrash:
		return "CRASH"
	case GSPBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// GSPSlot 一个已读取并分类的指针槽位
type GSPSlot struct {
	Generation uint64
	Pointer    uint64
	Checksum   uint16
	ChecksumOK bool
	State      GSPState
}

// gspChecksum 计算槽位校验和
// EN: gspChecksum computes the slot checksum: xxhash over the
// little-endian {generation, pointer} words, folded to 16 bits.
func gspChecksum(generation, pointer uint64) uint16 {
	var buf [genSize + pointerSize]byte
	binary.LittleEndian.PutUint64(buf[0:], generation)
	binary.LittleEndian.PutUint64(buf[8:], pointer)
	h := xxhash.Sum64(buf[:])
	return uint16(h) ^ uint16(h>>16) ^ uint16(h>>32) ^ uint16(h>>48)
}

// pointerState 按当前世代区间对槽位分类
// 【关键】分类顺序固定：空 → 校验和 → 世代下界 → stable → unstable → crash → broken
func pointerState(stableGen, unstableGen, generation, pointer uint64, checksumOK bool) GSPState {
	if generation == 0 && pointer == 0 {
		return GSPEmpty
	}
	if !checksumOK {
		return GSPBroken
	}
	if generation < MinGeneration {
		return GSPBroken
	}
	if generation <= stableGen {
		return GSPStable
	}
	if generation == unstableGen {
		return GSPUnstable
	}
	if generation < unstableGen {
		return GSPCrash
	}
	return GSPBroken
}

// readGSPSlot 读取并分类偏移 off 处的单个槽位
func readGSPSlot(c *storage.PageCursor, off int, stableGen, unstableGen uint64) GSPSlot {
	gen := c.GetUint64At(off)
	ptr := c.GetUint64At(off + genSize)
	sum := c.GetUint16At(off + genSize + pointerSize)
	ok := sum == gspChecksum(gen, ptr)
	return GSPSlot{
		Generation: gen,
		Pointer:    ptr,
		Checksum:   sum,
		ChecksumOK: ok,
		State:      pointerState(stableGen, unstableGen, gen, ptr, ok),
	}
}

// readGSPP 读取偏移 off 处指针对的两个槽位
func readGSPP(c *storage.PageCursor, off int, stableGen, unstableGen uint64) (GSPSlot, GSPSlot) {
	a := readGSPSlot(c, off, stableGen, unstableGen)
	b := readGSPSlot(c, off+gspSize, stableGen, unstableGen)
	return a, b
}

// resolveGSPP 从两个槽位中选出应跟随的指针
// 优先级：UNSTABLE > 较新的 STABLE；其余状态均不可跟随。
// EN: resolveGSPP picks the slot to follow: UNSTABLE wins, else the
// newer STABLE slot; every other state is unreadable.
func resolveGSPP(a, b GSPSlot) (GSPSlot, bool) {
	if a.State == GSPUnstable {
		return a, true
	}
	if b.State == GSPUnstable {
		return b, true
	}
	if a.State == GSPStable && b.State == GSPStable {
		if a.Generation >= b.Generation {
			return a, true
		}
		return b, true
	}
	if a.State == GSPStable {
		return a, true
	}
	if b.State == GSPStable {
		return b, true
	}
	return GSPSlot{}, false
}

// gsppEmpty 报告指针对是否两个槽位都为空
func gsppEmpty(a, b GSPSlot) bool {
	return a.State == GSPEmpty && b.State == GSPEmpty
}

// writeGSPSlot 以当前 unstable 世代写入偏移 off 处的槽位
func writeGSPSlot(c *storage.PageCursor, off int, generation, pointer uint64) {
	c.PutUint64At(off, generation)
	c.PutUint64At(off+genSize, pointer)
	c.PutUint16At(off+genSize+pointerSize, gspChecksum(generation, pointer))
}

// writeGSPP 向偏移 off 处的指针对写入新指针
// 槽位选择：已有 UNSTABLE 槽位则复用；否则覆盖非 STABLE 槽位；
// 两个都 STABLE 时覆盖世代较旧的那个。返回 false 表示指针对已损坏
// 到无法安全写入（不应在正常路径发生）。
func writeGSPP(c *storage.PageCursor, off int, stableGen, unstableGen, pointer uint64) bool {
	a, b := readGSPP(c, off, stableGen, unstableGen)

	slotOff := off
	switch {
	case a.State == GSPUnstable:
		slotOff = off
	case b.State == GSPUnstable:
		slotOff = off + gspSize
	case a.State != GSPStable:
		slotOff = off
	case b.State != GSPStable:
		slotOff = off + gspSize
	case a.Generation <= b.Generation:
		slotOff = off
	default:
		slotOff = off + gspSize
	}

	writeGSPSlot(c, slotOff, unstableGen, pointer)
	return true
}

// initGSPP 将偏移 off 处的指针对清零（两个槽位都为 EMPTY）
func initGSPP(c *storage.PageCursor, off int) {
	c.WriteAt(off, make([]byte, gsppSize))
}
