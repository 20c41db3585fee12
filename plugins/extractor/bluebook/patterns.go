package bluebook

import (
	"regexp"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// 片段正则（RE2，leftmost-first）。只求高召回：误报由 oracle 判定。
const (
	// 当事人名：大写开头的词，允许连接词与常见公司后缀。
	partyWord = `[A-Z][\w.'&-]*`
	party     = partyWord + `(?:\s+(?:` + partyWord + `|of|the|and|for|de|la|ex\s+rel\.|&))*(?:,\s+(?:Inc|Co|Corp|Ltd|LLC|L\.L\.C|N\.A|L\.P)\.?)?`
	// 汇编名：U.S. / US / F.3d / F. Supp. 2d / S. Ct. / Cal. App. 4th 等。
	reporter = `[A-Z][A-Za-z.']*(?:\s?(?:[A-Z][A-Za-z.']*|\d+(?:d|th|st|nd|rd)\b))*`
	pinCite  = `(?:,\s+\d+(?:[-–]\d+)?)*`
	locator  = `\d+[\w:–-]*(?:\(\w+\))*(?:\.\d+[\w–-]*(?:\(\w+\))*)*`
)

var (
	// 完整判例引用：Name v. Name, vol Reporter page[, pin] [(court year)]
	caseRe = regexp.MustCompile(party + `\s+vs?\.?\s+` + party + `,\s+\d+\s+` + reporter + `\s+\d+` + pinCite + `(?:\s+\([^()]*\d{4}\))?`)
	// 简短交叉引用：Name, vol Reporter at page / Name, supra [note N], at page
	shortRe = regexp.MustCompile(party + `,\s+(?:\d+\s+` + reporter + `\s+at\s+\d+|supra(?:\s+note\s+\d+)?,\s+at\s+\d+)(?:[-–]\d+)?`)
	// 带定位符的缩写引用（法典/法规）：[title] Abbrev § locator
	statuteRe = regexp.MustCompile(`(?:\d+\s+)?[A-Z][A-Za-z.]*(?:\s+[A-Z][A-Za-z.]*)*\s+§§?\s*` + locator + `(?:\s*(?:,|[-–]|and)\s*` + locator + `)*(?:\s+et\s+seq\.)?`)
	// 回指标记：Id. / id., at 5
	idRe = regexp.MustCompile(`\b[Ii]d\.(?:,?\s+at\s+\d+(?:[-–]\d+)?)?`)

	// 引导信号：按最长优先排列，避免 "see" 抢先吞掉 "see also"。
	signalRe = regexp.MustCompile(`(?i)\b(?:see,?\s+e\.g\.,|see\s+also\b|see\s+generally\b|but\s+see\b|but\s+cf\.|cf\.|compare\b|accord\b|contra\b|e\.g\.,|see\b)`)
)

// matcher: 单一句法形态的匹配器。
type matcher struct {
	name string
	re   *regexp.Regexp
}

// 固定顺序的匹配器集合；名称用于 Options.Matchers 选择子集。
var matchers = []matcher{
	{name: "case", re: caseRe},
	{name: "short", re: shortRe},
	{name: "statute", re: statuteRe},
	{name: "id", re: idRe},
}

// find 返回 re 在 text 上的全部不重叠命中。
func find(re *regexp.Regexp, text string) []contract.Match {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]contract.Match, 0, len(locs))
	for _, l := range locs {
		out = append(out, contract.Match{Text: text[l[0]:l[1]], Start: l[0], End: l[1]})
	}
	return out
}
