package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Terminal: 终端状态提示（非日志）。
// - 输出到提供的 io.Writer（建议 stderr），状态标签经 lipgloss 着色；非彩色终端自动降级为纯文本。
// - TTY: 进度单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。nil *Terminal 同样为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool
	styles  map[string]lipgloss.Style

	llm       string
	filesDone int
	changes   int

	curFileID    string
	batchesTotal int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// NewTerminal 构造终端提示器；enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			if fi, err := f.Stat(); err == nil {
				t.isTTY = fi.Mode()&os.ModeCharDevice != 0
			}
		}
	}
	r := lipgloss.NewRenderer(w)
	tag := func(c string) lipgloss.Style { return r.NewStyle().Bold(true).Foreground(lipgloss.Color(c)) }
	t.styles = map[string]lipgloss.Style{
		"run":   tag("12"),
		"file":  tag("14"),
		"retry": tag("11"),
		"ok":    tag("10"),
		"done":  tag("10"),
		"fail":  tag("9"),
	}
	return t
}

func (t *Terminal) tag(name string) string {
	s, ok := t.styles[name]
	if !ok {
		return "[" + name + "]"
	}
	return s.Render("[" + name + "]")
}

// RunStart 记录运行上下文。
func (t *Terminal) RunStart(llm string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.llm = llm
	t.filesDone = 0
	t.changes = 0
	t.println(fmt.Sprintf("%s llm=%s", t.tag("run"), safe(llm)))
}

// FileStart 标记当前文件与其引文/批次规模。
func (t *Terminal) FileStart(fileID string, spans, batches int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.curFileID = shortenBase(fileID, 48)
	t.batchesTotal = batches
	if !t.isTTY {
		t.println(fmt.Sprintf("%s %s | citations=%d | batches=%d", t.tag("file"), t.curFileID, spans, batches))
	}
}

// FileProgress 批次进度（仅 TTY，≥100ms 节流）。
func (t *Terminal) FileProgress(done, total int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond && done < total {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("%s %s | batch %d/%d", t.tag("file"), t.curFileID, done, total))
}

// Retry 提示调用方级别的整体重跑。
func (t *Terminal) Retry(fileID string, attempt int, code Code) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.clearInline()
	t.println(fmt.Sprintf("%s %s | attempt=%d | code=%s", t.tag("retry"), shortenBase(fileID, 48), attempt, code))
}

// FileFinish 完成当前文件。
func (t *Terminal) FileFinish(ok bool, changes int, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.filesDone++
	t.changes += changes
	status := "done"
	if !ok {
		status = "fail"
	}
	t.clearInline()
	t.println(fmt.Sprintf("%s %s | batches=%d | changes=%d | %s",
		t.tag(status), t.curFileID, t.batchesTotal, changes, formatDur(dur)))
}

// RunFinish 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.println(fmt.Sprintf("%s files=%d | changes=%d | %s", t.tag(tag), t.filesDone, t.changes, formatDur(dur)))
}

func (t *Terminal) clearInline() {
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
		_, _ = io.WriteString(t.w, "\r")
	}
}

func (t *Terminal) println(s string) {
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	// \r + 内容；若新行更短则以空格覆盖旧尾
	w := lipgloss.Width(s)
	pad := 0
	if t.lastLen > w {
		pad = t.lastLen - w
	}
	if _, err := io.WriteString(t.w, "\r"+s+strings.Repeat(" ", pad)); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = w
}

// shortenBase: 取基名并按可见宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	rs := []rune(base)
	if len(rs) <= max {
		return base
	}
	return string(rs[:max-1]) + "…"
}

func safe(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", max(0, d.Milliseconds()))
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
