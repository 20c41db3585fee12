package bluebook

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// leftContext 取 text[:start] 末尾至多 width 个字符。
// 截断落在词中时，丢弃残词直至下一个空白，保证上下文不以半个词开头。
func leftContext(text string, start, width int) string {
	s := text[:start]
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	if width == 0 {
		return ""
	}
	cut := len(s)
	for n := 0; n < width; n++ {
		_, sz := utf8.DecodeLastRuneInString(s[:cut])
		cut -= sz
	}
	out := s[cut:]
	prev, _ := utf8.DecodeLastRuneInString(s[:cut])
	first, _ := utf8.DecodeRuneInString(out)
	if !unicode.IsSpace(prev) && !unicode.IsSpace(first) {
		i := strings.IndexFunc(out, unicode.IsSpace)
		if i < 0 {
			return ""
		}
		out = out[i:]
	}
	return strings.TrimLeftFunc(out, unicode.IsSpace)
}

// rightContext 与 leftContext 对称：取 text[end:] 开头至多 width 个字符，不以半个词结尾。
func rightContext(text string, end, width int) string {
	s := text[end:]
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	if width == 0 {
		return ""
	}
	cut := 0
	for n := 0; n < width; n++ {
		_, sz := utf8.DecodeRuneInString(s[cut:])
		cut += sz
	}
	out := s[:cut]
	next, _ := utf8.DecodeRuneInString(s[cut:])
	last, _ := utf8.DecodeLastRuneInString(out)
	if !unicode.IsSpace(next) && !unicode.IsSpace(last) {
		i := strings.LastIndexFunc(out, unicode.IsSpace)
		if i < 0 {
			return ""
		}
		out = out[:i]
	}
	return strings.TrimRightFunc(out, unicode.IsSpace)
}
