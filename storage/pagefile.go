// Created by Yanjunhui

package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/monolite/gbptree/internal/failpoint"
	"github.com/monolite/gbptree/internal/logging"
)

// 页面大小常量
// EN: Page size constants.
const (
	// PageSize 4KB 页大小
	// EN: PageSize is the page size in bytes (4KB).
	PageSize = 4096
)

// PageID 页面唯一标识
// EN: PageID uniquely identifies a page.
type PageID uint64

// frame 内存中的页帧
// EN: frame is an in-memory page frame.
// 并发协议：写入者持有 latch 并使 seq 为奇数；读取者在 seq 为偶数时
// 快照 seq，读完后比对，变化则重试（顺序锁）。
// EN: Concurrency protocol: a writer holds the latch and keeps seq odd;
// readers snapshot an even seq, re-check after reading, and retry on change
// (sequence lock).
type frame struct {
	id    PageID
	latch sync.Mutex
	seq   atomic.Uint64
	pins  atomic.Int32
	dirty atomic.Bool
	buf   []byte
}

// Options PageFile 配置
type Options struct {
	// CacheBytes 干净页缓存的目标容量（字节）
	CacheBytes int64
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{CacheBytes: 64 << 20}
}

// PageFile 页面文件，负责页面 I/O、页帧驻留和缓存淘汰
// EN: PageFile owns page I/O, resident frames, and cache eviction.
type PageFile struct {
	file      *os.File
	path      string
	mu        sync.Mutex
	resident  map[PageID]*frame
	pageCount uint64
	// cache 只作为冷热判定策略：驻留表才是页帧的事实来源。
	// 干净且未固定的页帧在策略拒绝后从驻留表移除。
	cache  *ristretto.Cache[uint64, *frame]
	logger *logging.Logger
	closed bool
}

// Open 打开或创建一个页面文件
func Open(path string, opts Options) (*PageFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open page file: %w", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat page file: %w", err)
	}
	if fi.Size()%PageSize != 0 {
		file.Close()
		return nil, fmt.Errorf("page file %s has torn tail: size %d not page aligned", path, fi.Size())
	}

	if opts.CacheBytes <= 0 {
		opts.CacheBytes = DefaultOptions().CacheBytes
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *frame]{
		NumCounters: opts.CacheBytes / PageSize * 10,
		MaxCost:     opts.CacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}

	return &PageFile{
		file:      file,
		path:      path,
		resident:  make(map[PageID]*frame),
		pageCount: uint64(fi.Size()) / PageSize,
		cache:     cache,
		logger:    logging.GetLogger().WithComponent("PAGEFILE"),
	}, nil
}

// Path 返回文件路径
func (pf *PageFile) Path() string {
	return pf.path
}

// PageCount 返回总页面数
func (pf *PageFile) PageCount() uint64 {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.pageCount
}

// grab 取得页帧并固定；grow 为 true 时允许越界扩展文件
func (pf *PageFile) grab(id PageID, grow bool) (*frame, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	if pf.closed {
		return nil, fmt.Errorf("page file %s is closed", pf.path)
	}

	if f, ok := pf.resident[id]; ok {
		f.pins.Add(1)
		pf.cache.Set(uint64(id), f, PageSize)
		return f, nil
	}

	f := &frame{id: id, buf: make([]byte, PageSize)}

	if uint64(id) < pf.pageCount {
		// 从文件读取
		// pageCount 是逻辑页数：越界扩展产生的洞内页可能尚未落盘，
		// 读到 EOF 时按零页提供（buf 本身就是零值）。
		if _, err := pf.file.ReadAt(f.buf, int64(id)*PageSize); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read page %d: %w", id, err)
		}
	} else {
		if !grow {
			return nil, fmt.Errorf("page %d beyond end of file (page count %d)", id, pf.pageCount)
		}
		// 越界写访问：扩展文件，新页为零页
		f.dirty.Store(true)
		pf.pageCount = uint64(id) + 1
	}

	f.pins.Add(1)
	pf.resident[id] = f
	pf.cache.Set(uint64(id), f, PageSize)
	return f, nil
}

// release 解除固定；干净且被策略淘汰的页帧从驻留表移除
func (pf *PageFile) release(f *frame) {
	if f.pins.Add(-1) > 0 {
		return
	}
	if f.dirty.Load() {
		return
	}
	// 策略判定：ristretto 未收录则视为冷页，丢弃
	if _, hot := pf.cache.Get(uint64(f.id)); hot {
		return
	}
	pf.mu.Lock()
	if f.pins.Load() == 0 && !f.dirty.Load() {
		if cur, ok := pf.resident[f.id]; ok && cur == f {
			delete(pf.resident, f.id)
		}
	}
	pf.mu.Unlock()
}

// writeFrame 将单个页帧写回文件
func (pf *PageFile) writeFrame(f *frame) error {
	// 【FAILPOINT】用于测试写失败场景
	if err := failpoint.Hit("pagefile.writePage"); err != nil {
		return fmt.Errorf("failpoint: pagefile.writePage: %w", err)
	}

	f.latch.Lock()
	defer f.latch.Unlock()

	if _, err := pf.file.WriteAt(f.buf, int64(f.id)*PageSize); err != nil {
		return fmt.Errorf("failed to write page %d: %w", f.id, err)
	}
	f.dirty.Store(false)
	return nil
}

// FlushAndForce 将所有脏页写入磁盘并 fsync
func (pf *PageFile) FlushAndForce() error {
	pf.mu.Lock()
	dirty := make([]*frame, 0)
	for _, f := range pf.resident {
		if f.dirty.Load() {
			dirty = append(dirty, f)
		}
	}
	pf.mu.Unlock()

	for _, f := range dirty {
		if err := pf.writeFrame(f); err != nil {
			pf.logger.Error("page write-back failed", map[string]interface{}{
				"pageId": uint64(f.id),
				"error":  err.Error(),
			})
			return err
		}
	}

	if err := pf.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync page file: %w", err)
	}
	return nil
}

// Close 刷盘并关闭文件
func (pf *PageFile) Close() error {
	if err := pf.FlushAndForce(); err != nil {
		return err
	}

	pf.mu.Lock()
	pf.closed = true
	pf.mu.Unlock()

	pf.cache.Close()
	return pf.file.Close()
}
