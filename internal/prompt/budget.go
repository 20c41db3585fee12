package prompt

import "github.com/hangingahaw/bluebookify/pkg/contract"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EstimatePrompt 估算一次请求的输入 token：按消息内容字节总和一次取整。
func EstimatePrompt(p contract.ChatPrompt, bytesPerToken int) int {
	n := 0
	for _, m := range p {
		n += len(m.Content)
	}
	if n == 0 {
		return 0
	}
	if bytesPerToken <= 0 {
		bytesPerToken = 4
	}
	return (n + bytesPerToken - 1) / bytesPerToken
}

// EstimateReply 估算回复 token：每个 Span 的替换文本约与原文等长，外加 JSON 记录开销。
// 用于在闸门中为输出预留额度。
func EstimateReply(b contract.Batch, bytesPerToken int) int {
	const perRecord = len(`{"id": 000, "citation": ""},`)
	n := 2
	for _, s := range b.Spans {
		n += len(s.Text) + perRecord
	}
	if bytesPerToken <= 0 {
		bytesPerToken = 4
	}
	return (n + bytesPerToken - 1) / bytesPerToken
}
