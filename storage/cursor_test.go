// Created by Yanjunhui

package storage

import (
	"bytes"
	"context"
	"sync"
	"testing"
)

func newTestCursorPage(t *testing.T) *PageFile {
	t.Helper()
	pf, _ := openTestFile(t)

	c := pf.NewWriteCursor(context.Background())
	if err := c.Next(0); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if err := c.CheckAndClearCursorError(); err != nil {
		t.Fatalf("init page: %v", err)
	}
	c.Close()
	return pf
}

func TestCursorTypedReadWrite(t *testing.T) {
	pf := newTestCursorPage(t)
	ctx := context.Background()

	w := pf.NewWriteCursor(ctx)
	if err := w.Next(0); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	w.PutByteAt(0, 0xAB)
	w.PutUint16At(1, 0x1234)
	w.PutUint32At(3, 0xDEADBEEF)
	w.PutUint64At(7, 0x0102030405060708)
	w.WriteAt(100, []byte("gbptree"))
	if err := w.CheckAndClearCursorError(); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	r := pf.NewReadCursor(ctx)
	defer r.Close()
	if err := r.Next(0); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	var (
		b   byte
		u16 uint16
		u32 uint32
		u64 uint64
		blk = make([]byte, 7)
	)
	for {
		b = r.GetByteAt(0)
		u16 = r.GetUint16At(1)
		u32 = r.GetUint32At(3)
		u64 = r.GetUint64At(7)
		r.ReadAt(100, blk)
		if !r.ShouldRetry() {
			break
		}
	}
	if err := r.CheckAndClearCursorError(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if b != 0xAB || u16 != 0x1234 || u32 != 0xDEADBEEF || u64 != 0x0102030405060708 {
		t.Fatalf("typed round trip mismatch: %x %x %x %x", b, u16, u32, u64)
	}
	if !bytes.Equal(blk, []byte("gbptree")) {
		t.Fatalf("block round trip mismatch: %q", blk)
	}
}

// 越界访问不崩溃：读到零值，故障在 CheckAndClearCursorError 一次性返回并清除
func TestCursorOutOfBounds(t *testing.T) {
	pf := newTestCursorPage(t)

	r := pf.NewReadCursor(context.Background())
	defer r.Close()
	if err := r.Next(0); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if got := r.GetUint64At(PageSize - 4); got != 0 {
		t.Fatalf("out-of-bounds read = %x, want 0", got)
	}
	if err := r.CheckAndClearCursorError(); err == nil {
		t.Fatalf("out-of-bounds fault not reported")
	}
	// 故障已清除
	if err := r.CheckAndClearCursorError(); err != nil {
		t.Fatalf("fault should be cleared: %v", err)
	}
}

func TestReadCursorRejectsWrites(t *testing.T) {
	pf := newTestCursorPage(t)

	r := pf.NewReadCursor(context.Background())
	defer r.Close()
	if err := r.Next(0); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	r.PutUint64At(0, 1)
	if err := r.CheckAndClearCursorError(); err == nil {
		t.Fatalf("write on read cursor not reported")
	}
}

// 同页重叠区间的复制遵循 memmove 语义
func TestCopyToOverlapping(t *testing.T) {
	pf := newTestCursorPage(t)
	ctx := context.Background()

	w := pf.NewWriteCursor(ctx)
	defer w.Close()
	if err := w.Next(0); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	w.WriteAt(10, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	// 右移两字节：[10,18) -> [12,20)
	w.CopyTo(10, w, 12, 8)
	if err := w.CheckAndClearCursorError(); err != nil {
		t.Fatalf("copy: %v", err)
	}

	got := make([]byte, 10)
	w.ReadAt(10, got)
	want := []byte{1, 2, 1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(got, want) {
		t.Fatalf("overlap copy = %v, want %v", got, want)
	}
}

func TestCopyToAcrossPages(t *testing.T) {
	pf := newTestCursorPage(t)
	ctx := context.Background()

	src := pf.NewWriteCursor(ctx)
	defer src.Close()
	if err := src.Next(0); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	src.WriteAt(50, []byte("payload"))

	dst := pf.NewWriteCursor(ctx)
	defer dst.Close()
	if err := dst.Next(1); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	src.CopyTo(50, dst, 200, 7)
	if err := dst.CheckAndClearCursorError(); err != nil {
		t.Fatalf("copy: %v", err)
	}

	got := make([]byte, 7)
	dst.ReadAt(200, got)
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("cross-page copy = %q", got)
	}
}

// 乐观读协议：写入者反复改写一对字段，重试循环退出后两字段必须一致，
// 读取者永远看不到撕裂的中间态
func TestOptimisticReadNoTornReads(t *testing.T) {
	pf := newTestCursorPage(t)
	ctx := context.Background()

	init := pf.NewWriteCursor(ctx)
	if err := init.Next(0); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	init.PutUint64At(0, 0)
	init.PutUint64At(8, 0)
	if err := init.CheckAndClearCursorError(); err != nil {
		t.Fatalf("init: %v", err)
	}
	init.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w := pf.NewWriteCursor(ctx)
		defer w.Close()
		for v := uint64(1); ; v++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := w.Next(0); err != nil {
				return
			}
			// 始终写成对的相同值；读到不同值即为撕裂
			w.PutUint64At(0, v)
			w.PutUint64At(8, v)
		}
	}()

	r := pf.NewReadCursor(ctx)
	for i := 0; i < 5000; i++ {
		if err := r.Next(0); err != nil {
			t.Fatalf("read cursor: %v", err)
		}
		var a, b uint64
		for {
			a = r.GetUint64At(0)
			b = r.GetUint64At(8)
			if !r.ShouldRetry() {
				break
			}
		}
		if err := r.CheckAndClearCursorError(); err != nil {
			t.Fatalf("read: %v", err)
		}
		if a != b {
			t.Fatalf("torn read observed: %d vs %d", a, b)
		}
	}
	r.Close()

	close(stop)
	wg.Wait()
}
