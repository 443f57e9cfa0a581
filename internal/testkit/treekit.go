// Package testkit provides testing utilities for GBPTree.
package testkit

import (
	"context"
	"math/rand"
	"os"
	"testing"

	"github.com/monolite/gbptree/tree"
)

// OpenInt64Tree 以 Int64 布局打开一棵树，测试结束时自动关闭
func OpenInt64Tree(t *testing.T, path string) *tree.GBPTree {
	t.Helper()
	tr, err := tree.Open(path, tree.Int64Layout{}, tree.DefaultTreeOptions())
	if err != nil {
		t.Fatalf("open tree at %s: %v", path, err)
	}
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr
}

// BuildInt64Tree 乱序插入 [0, n) 并打检查点
func BuildInt64Tree(t *testing.T, tr *tree.GBPTree, n int, seed int64) {
	t.Helper()
	ctx := context.Background()

	keys := make([]int64, n)
	for i := range keys {
		keys[i] = int64(i)
	}
	rand.New(rand.NewSource(seed)).Shuffle(n, func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})
	for _, k := range keys {
		if err := tr.Insert(ctx, tree.EncodeInt64Key(k), tree.EncodeInt64Key(k*2)); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	if err := tr.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
}

// CollectInt64Keys 全量扫描并返回有序键
func CollectInt64Keys(t *testing.T, tr *tree.GBPTree) []int64 {
	t.Helper()
	ctx := context.Background()

	s, err := tr.Seek(ctx, nil, nil)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	defer s.Close()

	var keys []int64
	for s.Next() {
		keys = append(keys, tree.DecodeInt64Key(s.Key()))
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return keys
}

// CorruptFileByte 对已关闭的树文件按偏移翻转一个字节
func CorruptFileByte(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open %s for corruption: %v", path, err)
	}
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, off); err != nil {
		t.Fatalf("read byte at %d: %v", off, err)
	}
	buf[0] ^= 0xFF
	if _, err := f.WriteAt(buf, off); err != nil {
		t.Fatalf("write byte at %d: %v", off, err)
	}
}

// RequireViolation 断言某类违规至少出现一次
func RequireViolation(t *testing.T, counter *tree.CountingVisitor, violation string) {
	t.Helper()
	if counter.Count(violation) == 0 {
		t.Fatalf("expected %s violation, got %v", violation, counter.Counts())
	}
}
