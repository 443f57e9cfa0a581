// Created by Yanjunhui

package tree

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/monolite/gbptree/storage"
)

func newTestFreelist(t *testing.T) *Freelist {
	t.Helper()
	pf, err := storage.Open(filepath.Join(t.TempDir(), "freelist.db"), storage.Options{})
	if err != nil {
		t.Fatalf("open page file: %v", err)
	}
	t.Cleanup(func() { pf.Close() })

	// 页 0 留给状态页，链头从页 1 开始，与生产布局一致
	ctx := context.Background()
	c := pf.NewWriteCursor(ctx)
	if err := c.Next(1); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	initFreelistPage(c, NoNode)
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("init freelist page: %v", err)
	}
	c.Close()
	return newFreelist(pf, 1, 1)
}

func TestFreelistAcquireExtendsFile(t *testing.T) {
	fl := newTestFreelist(t)
	if got := fl.acquire(1); got != 2 {
		t.Fatalf("first acquire = %d, want 2", got)
	}
	if got := fl.acquire(1); got != 3 {
		t.Fatalf("second acquire = %d, want 3", got)
	}
	if fl.lastID != 3 {
		t.Fatalf("lastID = %d, want 3", fl.lastID)
	}
}

// 链头 0 是状态页兼链尾哨兵，load 必须显式拒绝
func TestFreelistLoadRejectsUnsetHead(t *testing.T) {
	fl := newTestFreelist(t)
	broken := newFreelist(fl.pf, NoNode, 0)
	if err := broken.load(context.Background()); err == nil {
		t.Fatalf("load with unset head should fail")
	}
}

// 释放的页面在其世代稳定之前不可复用
func TestFreelistReleaseReusableOnlyWhenStable(t *testing.T) {
	ctx := context.Background()
	fl := newTestFreelist(t)
	fl.lastID = 10

	if err := fl.release(7, 5); err != nil {
		t.Fatalf("release: %v", err)
	}

	// 未落盘的释放记录不参与分配
	if got := fl.acquire(5); got != 11 {
		t.Fatalf("acquire before persist = %d, want fresh 11", got)
	}
	if err := fl.persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// 世代尚未稳定：仍然扩展
	if got := fl.acquire(4); got != 12 {
		t.Fatalf("acquire with stable=4 = %d, want fresh 12", got)
	}
	// 世代已稳定：复用
	if got := fl.acquire(5); got != 7 {
		t.Fatalf("acquire with stable=5 = %d, want reused 7", got)
	}
	// 记录已被取走
	if got := fl.acquire(5); got != 13 {
		t.Fatalf("acquire after reuse = %d, want fresh 13", got)
	}
}

func TestFreelistPersistLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	fl := newTestFreelist(t)
	fl.lastID = 1000

	// 超过单页容量，迫使链增长
	total := flMaxEntries + 50
	for i := 0; i < total; i++ {
		if err := fl.release(uint64(100+i), uint64(3+i%4)); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if err := fl.persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(fl.pageIDs) < 2 {
		t.Fatalf("chain should have grown, pages = %v", fl.pageIDs)
	}

	reloaded := newFreelist(fl.pf, 1, fl.lastID)
	if err := reloaded.load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reloaded.entries) != total {
		t.Fatalf("reloaded %d entries, want %d", len(reloaded.entries), total)
	}
	if len(reloaded.pageIDs) != len(fl.pageIDs) {
		t.Fatalf("reloaded chain %v, want %v", reloaded.pageIDs, fl.pageIDs)
	}
	for i, e := range reloaded.entries {
		if e.id != uint64(100+i) || e.generation != uint64(3+i%4) {
			t.Fatalf("entry %d = %+v", i, e)
		}
	}
}

func TestFreelistVisitCoversEverything(t *testing.T) {
	ctx := context.Background()
	fl := newTestFreelist(t)
	fl.lastID = 100

	if err := fl.release(50, 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := fl.persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := fl.release(60, 3); err != nil {
		t.Fatalf("release: %v", err)
	}

	seen := make(map[uint64]bool)
	if err := fl.visit(ctx, func(id uint64) error {
		seen[id] = true
		return nil
	}); err != nil {
		t.Fatalf("visit: %v", err)
	}

	// 链头页、已落盘记录、缓存记录都要露面
	for _, want := range []uint64{1, 50, 60} {
		if !seen[want] {
			t.Fatalf("visit missed id %d (saw %v)", want, seen)
		}
	}
}
