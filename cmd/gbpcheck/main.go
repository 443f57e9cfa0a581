// Created by Yanjunhui
//
// gbpcheck: GBPTree 一致性检查与导出工具
// 检查树文件的结构完整性，也可以把全部键值导出为 Extended JSON

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/monolite/gbptree/tree"
)

var (
	filePath    = flag.String("file", "", "树文件路径（必需）")
	layoutName  = flag.String("layout", "int64", "键值布局: int64, objectid")
	threads     = flag.Int("threads", 0, "并行检查线程数（0 表示按 CPU 数）")
	reportDirty = flag.Bool("report-dirty", false, "报告崩溃残留指针（未检查点即崩溃的痕迹）")
	dump        = flag.Bool("dump", false, "导出全部键值为 Extended JSON 而非检查")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "GBPTree Check Tool - 一致性检查工具\n\n")
		fmt.Fprintf(os.Stderr, "用法:\n")
		fmt.Fprintf(os.Stderr, "  gbpcheck -file <树文件> [-threads N] [-report-dirty]\n")
		fmt.Fprintf(os.Stderr, "  gbpcheck -file <树文件> -dump\n\n")
		fmt.Fprintf(os.Stderr, "退出码: 0 无违规；1 发现违规或运行失败\n\n")
		fmt.Fprintf(os.Stderr, "选项:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	// 退出码从 run 返回：os.Exit 不跑 defer，关闭树文件必须在 run 内完成
	os.Exit(run())
}

func run() int {
	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "错误: 必须指定树文件路径 (-file)")
		flag.Usage()
		return 1
	}

	var layout tree.Layout
	switch *layoutName {
	case "int64":
		layout = tree.Int64Layout{}
	case "objectid":
		layout = tree.ObjectIDLayout{}
	default:
		fmt.Fprintf(os.Stderr, "未知布局: %s\n", *layoutName)
		return 1
	}

	tr, err := tree.Open(*filePath, layout, tree.DefaultTreeOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开树文件失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := tr.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "关闭树文件失败: %v\n", err)
		}
	}()

	if *dump {
		if err := dumpTree(tr); err != nil {
			fmt.Fprintf(os.Stderr, "导出失败: %v\n", err)
			return 1
		}
		return 0
	}

	visitor := &printingVisitor{CountingVisitor: tree.NewCountingVisitor()}
	opts := tree.CheckOptions{NumThreads: *threads, ReportDirty: *reportDirty}
	if err := tr.ConsistencyCheck(context.Background(), visitor, opts); err != nil {
		fmt.Fprintf(os.Stderr, "检查失败: %v\n", err)
		return 1
	}

	if total := visitor.Total(); total > 0 {
		fmt.Printf("发现 %d 处违规:\n", total)
		for kind, n := range visitor.Counts() {
			fmt.Printf("  %-40s %d\n", kind, n)
		}
		return 1
	}
	fmt.Println("检查通过，未发现违规")
	return 0
}

// dumpTree 全量扫描并逐行输出 Extended JSON
func dumpTree(tr *tree.GBPTree) error {
	ctx := context.Background()
	s, err := tr.Seek(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	for s.Next() {
		doc := entryDoc(tr.Layout(), s.Key(), s.Value())
		out, err := bson.MarshalExtJSON(doc, true, false)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		fmt.Println(string(out))
	}
	return s.Err()
}

// entryDoc 按布局解码一条键值
func entryDoc(layout tree.Layout, key, value []byte) bson.D {
	switch layout.(type) {
	case tree.ObjectIDLayout:
		return bson.D{
			{Key: "key", Value: tree.DecodeObjectIDKey(key)},
			{Key: "value", Value: tree.DecodeInt64Key(value)},
		}
	default:
		return bson.D{
			{Key: "key", Value: tree.DecodeInt64Key(key)},
			{Key: "value", Value: tree.DecodeInt64Key(value)},
		}
	}
}

// printingVisitor 在计数之余把每条违规打到标准输出
type printingVisitor struct {
	*tree.CountingVisitor
}

func (p *printingVisitor) NotATreeNode(pageID uint64, file string) {
	fmt.Printf("页 %d 不是树节点 (%s)\n", pageID, file)
	p.CountingVisitor.NotATreeNode(pageID, file)
}

func (p *printingVisitor) UnknownTreeNodeType(pageID uint64, typeByte byte, file string) {
	fmt.Printf("页 %d 树节点类别字节非法: 0x%02x (%s)\n", pageID, typeByte, file)
	p.CountingVisitor.UnknownTreeNodeType(pageID, typeByte, file)
}

func (p *printingVisitor) UnreasonableKeyCount(pageID uint64, keyCount int, file string) {
	fmt.Printf("页 %d 键数量非法: %d (%s)\n", pageID, keyCount, file)
	p.CountingVisitor.UnreasonableKeyCount(pageID, keyCount, file)
}

func (p *printingVisitor) KeysOutOfOrderInNode(pageID uint64, file string) {
	fmt.Printf("页 %d 节点内键乱序 (%s)\n", pageID, file)
	p.CountingVisitor.KeysOutOfOrderInNode(pageID, file)
}

func (p *printingVisitor) KeysLocatedInWrongNode(keyRange string, key []byte, pos, keyCount int, pageID uint64, file string) {
	fmt.Printf("页 %d 第 %d/%d 个键 %x 越出区间 %s (%s)\n", pageID, pos, keyCount, key, keyRange, file)
	p.CountingVisitor.KeysLocatedInWrongNode(keyRange, key, pos, keyCount, pageID, file)
}

func (p *printingVisitor) NodeMetaInconsistency(pageID uint64, message, file string) {
	fmt.Printf("页 %d 节点元数据不一致: %s (%s)\n", pageID, message, file)
	p.CountingVisitor.NodeMetaInconsistency(pageID, message, file)
}

func (p *printingVisitor) BrokenPointer(pageID uint64, pointerField string, slotA, slotB tree.GSPSlot, file string) {
	fmt.Printf("页 %d 指针对 %s 损坏: A=%+v B=%+v (%s)\n", pageID, pointerField, slotA, slotB, file)
	p.CountingVisitor.BrokenPointer(pageID, pointerField, slotA, slotB, file)
}

func (p *printingVisitor) CrashedPointer(pageID uint64, pointerField string, slotA, slotB tree.GSPSlot, file string) {
	fmt.Printf("页 %d 指针对 %s 有崩溃残留: A=%+v B=%+v (%s)\n", pageID, pointerField, slotA, slotB, file)
	p.CountingVisitor.CrashedPointer(pageID, pointerField, slotA, slotB, file)
}

func (p *printingVisitor) PointerHasLowerGenerationThanNode(pointerField string, sourceID, pointerGen, targetID, targetGen uint64, file string) {
	fmt.Printf("页 %d 的 %s 指针世代 %d 低于目标页 %d 的世代 %d (%s)\n",
		sourceID, pointerField, pointerGen, targetID, targetGen, file)
	p.CountingVisitor.PointerHasLowerGenerationThanNode(pointerField, sourceID, pointerGen, targetID, targetGen, file)
}

func (p *printingVisitor) PointerToOldVersionOfTreeNode(pageID, successorID uint64, file string) {
	fmt.Printf("页 %d 可达却仍有后继页 %d (%s)\n", pageID, successorID, file)
	p.CountingVisitor.PointerToOldVersionOfTreeNode(pageID, successorID, file)
}

func (p *printingVisitor) SiblingsDontPointToEachOther(
	leftID, leftGen, leftRightPtr, leftRightGen uint64,
	rightLeftPtr, rightLeftGen, rightID, rightGen uint64, file string) {
	fmt.Printf("兄弟不互指: 左页 %d(gen %d) 右指 %d(gen %d)，右页 %d(gen %d) 左指 %d(gen %d) (%s)\n",
		leftID, leftGen, leftRightPtr, leftRightGen, rightID, rightGen, rightLeftPtr, rightLeftGen, file)
	p.CountingVisitor.SiblingsDontPointToEachOther(
		leftID, leftGen, leftRightPtr, leftRightGen,
		rightLeftPtr, rightLeftGen, rightID, rightGen, file)
}

func (p *printingVisitor) RightmostNodeHasRightSibling(rightPtr, rightmostID uint64, file string) {
	fmt.Printf("层内最右页 %d 仍有右兄弟 %d (%s)\n", rightmostID, rightPtr, file)
	p.CountingVisitor.RightmostNodeHasRightSibling(rightPtr, rightmostID, file)
}

func (p *printingVisitor) LeftmostNodeHasLeftSibling(leftPtr, leftmostID uint64, file string) {
	fmt.Printf("层内最左页 %d 仍有左兄弟 %d (%s)\n", leftmostID, leftPtr, file)
	p.CountingVisitor.LeftmostNodeHasLeftSibling(leftPtr, leftmostID, file)
}

func (p *printingVisitor) PageIDSeenMultipleTimes(pageID uint64, file string) {
	fmt.Printf("页 %d 被多条路径引用 (%s)\n", pageID, file)
	p.CountingVisitor.PageIDSeenMultipleTimes(pageID, file)
}

func (p *printingVisitor) PageIDExceedLastID(lastID, pageID uint64, file string) {
	fmt.Printf("页 %d 超出最近分配页号 %d (%s)\n", pageID, lastID, file)
	p.CountingVisitor.PageIDExceedLastID(lastID, pageID, file)
}

func (p *printingVisitor) UnusedPage(pageID uint64, file string) {
	fmt.Printf("页 %d 已分配但不在树中也不在空闲链表中 (%s)\n", pageID, file)
	p.CountingVisitor.UnusedPage(pageID, file)
}

func (p *printingVisitor) ChildNodeFoundAmongParentNodes(keyRange string, level int, pageID uint64, file string) {
	fmt.Printf("页 %d 在第 %d 层出现指针环，区间 %s (%s)\n", pageID, level, keyRange, file)
	p.CountingVisitor.ChildNodeFoundAmongParentNodes(keyRange, level, pageID, file)
}
