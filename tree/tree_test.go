// Created by Yanjunhui

package tree

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func openTestTree(t *testing.T, path string) *GBPTree {
	t.Helper()
	tr, err := Open(path, Int64Layout{}, DefaultTreeOptions())
	if err != nil {
		t.Fatalf("open tree: %v", err)
	}
	return tr
}

// shuffledInt64s 确定性乱序的 0..n-1
func shuffledInt64s(n int, seed int64) []int64 {
	keys := make([]int64, n)
	for i := range keys {
		keys[i] = int64(i)
	}
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(n, func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return keys
}

func TestInsertGetAcrossSplits(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"))
	defer tr.Close(ctx)

	n := 2000
	if testing.Short() {
		n = 400
	}
	for _, k := range shuffledInt64s(n, 1) {
		if err := tr.Insert(ctx, EncodeInt64Key(k), EncodeInt64Key(k*3)); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}

	for i := int64(0); i < int64(n); i++ {
		v, ok, err := tr.Get(ctx, EncodeInt64Key(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("key %d missing", i)
		}
		if DecodeInt64Key(v) != i*3 {
			t.Fatalf("key %d: value %d, want %d", i, DecodeInt64Key(v), i*3)
		}
	}
	if _, ok, err := tr.Get(ctx, EncodeInt64Key(int64(n))); err != nil || ok {
		t.Fatalf("absent key found: ok=%v err=%v", ok, err)
	}
}

func TestInsertOverwritesValue(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"))
	defer tr.Close(ctx)

	key := EncodeInt64Key(42)
	if err := tr.Insert(ctx, key, EncodeInt64Key(1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tr.Insert(ctx, key, EncodeInt64Key(2)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := tr.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if DecodeInt64Key(v) != 2 {
		t.Fatalf("value = %d, want 2", DecodeInt64Key(v))
	}
}

func TestSeekRangeScan(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"))
	defer tr.Close(ctx)

	// 偶数键 0,2,...,1998
	for _, k := range shuffledInt64s(1000, 2) {
		if err := tr.Insert(ctx, EncodeInt64Key(k*2), EncodeInt64Key(k)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	s, err := tr.Seek(ctx, EncodeInt64Key(100), EncodeInt64Key(200))
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	defer s.Close()

	want := int64(100)
	for s.Next() {
		if got := DecodeInt64Key(s.Key()); got != want {
			t.Fatalf("scan key = %d, want %d", got, want)
		}
		if got := DecodeInt64Key(s.Value()); got != want/2 {
			t.Fatalf("scan value = %d, want %d", got, want/2)
		}
		want += 2
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if want != 200 {
		t.Fatalf("scan stopped at %d, want 200", want)
	}
}

func TestSeekUnbounded(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"))
	defer tr.Close(ctx)

	for _, k := range shuffledInt64s(500, 3) {
		if err := tr.Insert(ctx, EncodeInt64Key(k), EncodeInt64Key(k)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	s, err := tr.Seek(ctx, nil, nil)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	defer s.Close()
	count := 0
	prev := int64(-1)
	for s.Next() {
		k := DecodeInt64Key(s.Key())
		if k <= prev {
			t.Fatalf("full scan out of order: %d after %d", k, prev)
		}
		prev = k
		count++
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if count != 500 {
		t.Fatalf("full scan returned %d keys, want 500", count)
	}
}

func TestRemoveAcrossMerges(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"))
	defer tr.Close(ctx)

	n := 1500
	if testing.Short() {
		n = 300
	}
	for _, k := range shuffledInt64s(n, 4) {
		if err := tr.Insert(ctx, EncodeInt64Key(k), EncodeInt64Key(k)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// 删掉所有奇数键
	for i := int64(1); i < int64(n); i += 2 {
		removed, err := tr.Remove(ctx, EncodeInt64Key(i))
		if err != nil {
			t.Fatalf("remove %d: %v", i, err)
		}
		if !removed {
			t.Fatalf("key %d not found for removal", i)
		}
	}
	// 再删一遍应报不存在
	if removed, err := tr.Remove(ctx, EncodeInt64Key(1)); err != nil || removed {
		t.Fatalf("double remove: removed=%v err=%v", removed, err)
	}

	for i := int64(0); i < int64(n); i++ {
		_, ok, err := tr.Get(ctx, EncodeInt64Key(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if wantPresent := i%2 == 0; ok != wantPresent {
			t.Fatalf("key %d: present=%v, want %v", i, ok, wantPresent)
		}
	}
}

func TestRemoveAllShrinksRoot(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"))
	defer tr.Close(ctx)

	n := 1000
	for _, k := range shuffledInt64s(n, 5) {
		if err := tr.Insert(ctx, EncodeInt64Key(k), EncodeInt64Key(k)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	for _, k := range shuffledInt64s(n, 6) {
		if _, err := tr.Remove(ctx, EncodeInt64Key(k)); err != nil {
			t.Fatalf("remove %d: %v", k, err)
		}
	}

	// 空树仍然可用
	if _, ok, err := tr.Get(ctx, EncodeInt64Key(0)); err != nil || ok {
		t.Fatalf("empty tree get: ok=%v err=%v", ok, err)
	}
	if err := tr.Insert(ctx, EncodeInt64Key(7), EncodeInt64Key(7)); err != nil {
		t.Fatalf("insert into emptied tree: %v", err)
	}
	if _, ok, _ := tr.Get(ctx, EncodeInt64Key(7)); !ok {
		t.Fatalf("key lost after re-insert")
	}

	// 检查一致性：删空不应留下泄漏或坏链
	counter := NewCountingVisitor()
	if err := tr.ConsistencyCheck(ctx, counter, CheckOptions{}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if counter.Total() != 0 {
		t.Fatalf("violations after mass removal: %v", counter.Counts())
	}
}

func TestReopenAfterCheckpointPreservesContents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tree.db")

	tr := openTestTree(t, path)
	n := 800
	for _, k := range shuffledInt64s(n, 7) {
		if err := tr.Insert(ctx, EncodeInt64Key(k), EncodeInt64Key(k+1)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := tr.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	tr = openTestTree(t, path)
	defer tr.Close(ctx)
	for i := int64(0); i < int64(n); i++ {
		v, ok, err := tr.Get(ctx, EncodeInt64Key(i))
		if err != nil || !ok {
			t.Fatalf("after reopen, key %d: ok=%v err=%v", i, ok, err)
		}
		if DecodeInt64Key(v) != i+1 {
			t.Fatalf("after reopen, key %d: value %d", i, DecodeInt64Key(v))
		}
	}

	counter := NewCountingVisitor()
	if err := tr.ConsistencyCheck(ctx, counter, CheckOptions{}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if counter.Total() != 0 {
		t.Fatalf("violations after reopen: %v", counter.Counts())
	}
}

// 检查点之后的写入走后继复制路径：旧页退役进空闲链表，
// 父与兄弟指针全部改指新页
func TestWritesAfterCheckpointCreateSuccessors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tree.db")
	tr := openTestTree(t, path)

	for _, k := range shuffledInt64s(1000, 8) {
		if err := tr.Insert(ctx, EncodeInt64Key(k), EncodeInt64Key(k)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := tr.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	oldRoot := tr.rootID

	// 稳定世代之后的第一批写入必须替换整条路径
	for i := int64(1000); i < 1100; i++ {
		if err := tr.Insert(ctx, EncodeInt64Key(i), EncodeInt64Key(i)); err != nil {
			t.Fatalf("insert after checkpoint: %v", err)
		}
	}
	if tr.rootID == oldRoot {
		t.Fatalf("root not replaced by successor after checkpoint")
	}
	for i := int64(500); i < 600; i++ {
		if _, err := tr.Remove(ctx, EncodeInt64Key(i)); err != nil {
			t.Fatalf("remove after checkpoint: %v", err)
		}
	}

	counter := NewCountingVisitor()
	if err := tr.ConsistencyCheck(ctx, counter, CheckOptions{NumThreads: 4}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if counter.Total() != 0 {
		t.Fatalf("violations after successor churn: %v", counter.Counts())
	}

	// 再走一轮检查点和重开，内容不丢
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	tr = openTestTree(t, path)
	defer tr.Close(ctx)
	for i := int64(0); i < 1100; i++ {
		_, ok, err := tr.Get(ctx, EncodeInt64Key(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		wantPresent := i < 500 || i >= 600
		if ok != wantPresent {
			t.Fatalf("key %d: present=%v, want %v", i, ok, wantPresent)
		}
	}
}

func TestReopenRejectsWrongLayout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tree.db")

	tr := openTestTree(t, path)
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(path, ObjectIDLayout{}, DefaultTreeOptions()); err == nil {
		t.Fatalf("expected layout mismatch error")
	}
}

func TestObjectIDLayoutRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr, err := Open(filepath.Join(t.TempDir(), "oid.db"), ObjectIDLayout{}, DefaultTreeOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close(ctx)

	oids := make([]primitive.ObjectID, 300)
	for i := range oids {
		oids[i] = primitive.NewObjectID()
		if err := tr.Insert(ctx, EncodeObjectIDKey(oids[i]), EncodeInt64Key(int64(i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	for i, oid := range oids {
		v, ok, err := tr.Get(ctx, EncodeObjectIDKey(oid))
		if err != nil || !ok {
			t.Fatalf("get %s: ok=%v err=%v", oid.Hex(), ok, err)
		}
		if DecodeInt64Key(v) != int64(i) {
			t.Fatalf("oid %s: value %d, want %d", oid.Hex(), DecodeInt64Key(v), i)
		}
	}
}

func TestInsertRejectsWrongKeySize(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"))
	defer tr.Close(ctx)

	if err := tr.Insert(ctx, []byte{1, 2, 3}, EncodeInt64Key(0)); err == nil {
		t.Fatalf("short key accepted")
	}
	if _, err := tr.Remove(ctx, []byte{1}); err == nil {
		t.Fatalf("short key accepted by remove")
	}
}
