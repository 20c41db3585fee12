package bluebook

import (
	"sort"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Merge 将原始命中合并为最大不重叠区间。
// 排序：Start 升序，Start 相同时 End 降序（更长者在前并吸收较短者）。
// 规则：命中 Start <= 当前区间 End 即并入（相邻亦合并），Text 从原文重新截取。
func Merge(text string, ms []contract.Match) []contract.Match {
	if len(ms) == 0 {
		return nil
	}
	sorted := make([]contract.Match, len(ms))
	copy(sorted, ms)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})
	out := make([]contract.Match, 0, len(sorted))
	cur := sorted[0]
	for _, m := range sorted[1:] {
		if m.Start <= cur.End {
			if m.End > cur.End {
				cur.End = m.End
			}
			cur.Text = text[cur.Start:cur.End]
			continue
		}
		out = append(out, cur)
		cur = m
	}
	return append(out, cur)
}

// fuseSignals 将紧邻区间左侧的引导信号并入区间。
// 信号 End 必须恰为区间 Start，或相隔单个空格（换行、制表符不算）；
// 信号不得越过上一个区间的 End，以保持区间不重叠。
func fuseSignals(text string, spans, signals []contract.Match) []contract.Match {
	if len(signals) == 0 {
		return spans
	}
	prevEnd := 0
	for i := range spans {
		sp := &spans[i]
		for _, sig := range signals {
			if sig.Start < prevEnd {
				continue
			}
			adjacent := sig.End == sp.Start ||
				(sig.End == sp.Start-1 && text[sig.End] == ' ')
			if adjacent {
				sp.Start = sig.Start
				sp.Text = text[sp.Start:sp.End]
				break
			}
		}
		prevEnd = sp.End
	}
	return spans
}
