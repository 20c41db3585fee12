package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 扫描目录时跳过的目录名（基名，大小写不敏感），如 [".git","node_modules"]。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Include: 目录扫描时的文件白名单（doublestar 语法，相对 root，如 "**/*.{md,txt}"）。
	// 为空表示全部文件。显式给出的单文件 root 不受影响。
	Include []string `json:"include"`
	// Exclude: 目录扫描时的文件黑名单（doublestar 语法，相对 root）。
	// 审计边车 "**/*.changes.jsonl" 始终被排除。
	Exclude []string `json:"exclude"`
}

// 审计边车文件不作为输入。
const sidecarGlob = "**/*" + contract.SidecarSuffix

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
type FileSystem struct {
	bufSize    int
	excludeDir map[string]struct{}
	include    []string
	exclude    []string
}

// New 创建 FileSystem Reader；非法 glob 返回 ErrInvalidInput。
func New(opts *Options) (*FileSystem, error) {
	const defaultBuf = 64 * 1024
	r := &FileSystem{bufSize: defaultBuf, excludeDir: map[string]struct{}{}, exclude: []string{sidecarGlob}}
	if opts == nil {
		return r, nil
	}
	if opts.BufSize > 0 {
		r.bufSize = opts.BufSize
	}
	for _, name := range opts.ExcludeDirNames {
		if name != "" {
			r.excludeDir[strings.ToLower(name)] = struct{}{}
		}
	}
	for _, g := range append(append([]string{}, opts.Include...), opts.Exclude...) {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("reader: bad glob %q: %w", g, contract.ErrInvalidInput)
		}
	}
	r.include = opts.Include
	r.exclude = append(r.exclude, opts.Exclude...)
	return r, nil
}

// Iterate 遍历 roots，按稳定顺序对每个常规文件调用 yield。
// roots 为空或仅为 "-" 时读取 STDIN；不存在的 root 若含 glob 元字符则按模式展开。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return yield(contract.StdinID, newBufferedCloser(os.Stdin, r.bufSize))
	}
	for _, s := range roots {
		if s == "-" {
			return errors.New("stdin '-' cannot be mixed with other roots")
		}
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	info, err := os.Lstat(root)
	if errors.Is(err, os.ErrNotExist) && hasMeta(root) {
		return r.expandGlob(ctx, root, yield)
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		// 仅跟随到常规文件；目录符号链接忽略
		t, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			return nil
		}
		return r.emit(root, yield)
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return r.emit(root, yield)
}

// expandGlob 展开 doublestar 模式（如 "briefs/**/*.md"），按字典序逐个处理。
func (r *FileSystem) expandGlob(ctx context.Context, pattern string, yield func(contract.FileID, io.ReadCloser) error) error {
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return fmt.Errorf("reader: glob %q: %w", pattern, contract.ErrInvalidInput)
	}
	if len(matches) == 0 {
		return fmt.Errorf("reader: no files match %q: %w", pattern, os.ErrNotExist)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if r.excluded(filepath.ToSlash(m)) {
			continue
		}
		if err := r.iterateOne(ctx, m, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) walkDir(ctx context.Context, root, dir string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先目录（不跟随目录符号链接）
	for _, e := range entries {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, root, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	// 再文件（允许指向常规文件的符号链接）
	for _, e := range entries {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !t.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			continue
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if !r.selected(filepath.ToSlash(rel)) {
			continue
		}
		if err := r.emit(p, yield); err != nil {
			return err
		}
	}
	return nil
}

// selected: 满足 include（若有）且不命中 exclude。
func (r *FileSystem) selected(rel string) bool {
	if r.excluded(rel) {
		return false
	}
	if len(r.include) == 0 {
		return true
	}
	for _, g := range r.include {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

func (r *FileSystem) excluded(rel string) bool {
	for _, g := range r.exclude {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

func (r *FileSystem) emit(p string, yield func(contract.FileID, io.ReadCloser) error) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	brc := newBufferedCloser(f, r.bufSize)
	if err := yield(contract.NormalizeFileID(p), brc); err != nil {
		_ = brc.Close()
		return err
	}
	return nil
}

func hasMeta(p string) bool { return strings.ContainsAny(p, "*?[{") }

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }

var _ contract.Reader = (*FileSystem)(nil)
