package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hangingahaw/bluebookify/internal/diag"
	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// DefaultDebounce 合并突发事件的静默窗口。
const DefaultDebounce = 200 * time.Millisecond

// Options 监听选项。
type Options struct {
	// Debounce: 最后一个事件之后等待的静默时间；<=0 使用 DefaultDebounce。
	Debounce time.Duration
	// Ignore: 返回 true 的路径（绝对路径）不触发回调，也不递归加入监听。
	Ignore func(path string) bool
}

// Watcher 监听若干根（文件或目录），目录递归加入。
// 审计边车与原子写临时文件总是被忽略，避免输出回写触发自循环。
type Watcher struct {
	fsw    *fsnotify.Watcher
	files  map[string]bool // 根为文件时仅关注该文件
	dirs   []string        // 根为目录时关注其下全部文件
	opts   Options
	logger *diag.Logger
}

// New 创建 Watcher 并加入 roots。
func New(roots []string, opts *Options, logger *diag.Logger) (*Watcher, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: watch needs at least one root", contract.ErrInvalidInput)
	}
	w := &Watcher{files: map[string]bool{}, logger: logger}
	if opts != nil {
		w.opts = *opts
	}
	if w.opts.Debounce <= 0 {
		w.opts.Debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w.fsw = fsw
	for _, r := range roots {
		if strings.TrimSpace(r) == "-" {
			_ = fsw.Close()
			return nil, fmt.Errorf("%w: cannot watch stdin", contract.ErrInvalidInput)
		}
		if err := w.addRoot(r); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addRoot(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		w.files[abs] = true
		// 监听父目录：编辑器常以“写临时文件再改名”方式保存
		return w.fsw.Add(filepath.Dir(abs))
	}
	w.dirs = append(w.dirs, abs)
	return w.addTree(abs)
}

// addTree 递归加入目录（跳过隐藏目录与被忽略的目录）。
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && (strings.HasPrefix(d.Name(), ".") || w.ignored(p)) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

func (w *Watcher) ignored(p string) bool {
	base := filepath.Base(p)
	if strings.HasSuffix(base, contract.SidecarSuffix) || strings.HasPrefix(base, ".tmp-") {
		return true
	}
	return w.opts.Ignore != nil && w.opts.Ignore(p)
}

// relevant 判断文件事件是否落在关注范围内。
func (w *Watcher) relevant(p string) bool {
	if w.ignored(p) {
		return false
	}
	return w.files[p] || w.underDir(p)
}

// Run 处理事件直到 ctx 结束；静默窗口到期后以排序去重的变更路径调用 fn。
// fn 的错误被记录后继续监听（单次失败不终止 watch）。ctx 结束时返回 nil 并关闭底层监听。
func (w *Watcher) Run(ctx context.Context, fn func(ctx context.Context, changed []string) error) error {
	defer w.fsw.Close()
	pending := map[string]struct{}{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() && !w.ignored(ev.Name) && w.underDir(ev.Name) {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.ErrorWithKV("watch", diag.Classify(err), "add dir failed", nil, ev.Name, "", nil)
					}
					continue
				}
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !w.relevant(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.opts.Debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch", diag.Classify(err), err.Error(), nil)
		case <-timer.C:
			changed := make([]string, 0, len(pending))
			for p := range pending {
				// 改名/删除后已不存在的路径不再处理
				if _, err := os.Stat(p); err == nil {
					changed = append(changed, p)
				}
			}
			clear(pending)
			if len(changed) == 0 {
				continue
			}
			sort.Strings(changed)
			if err := fn(ctx, changed); err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return nil
				}
				w.logger.Error("watch", diag.Classify(err), "rerun failed", nil)
			}
		}
	}
}

func (w *Watcher) underDir(p string) bool {
	for _, d := range w.dirs {
		if strings.HasPrefix(p, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Close 释放底层监听（Run 退出时会自动关闭；重复关闭无害）。
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
