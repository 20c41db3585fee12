package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 规范化路径，统一为跨平台稳定的 FileID。
// 规则：
// - 反斜杠统一为正斜杠
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}

// SidecarSuffix 审计边车文件后缀。
const SidecarSuffix = ".changes.jsonl"

// ChangesSidecar 返回审计边车文件的 ArtifactID（<原ID>.changes.jsonl）。
func ChangesSidecar(id FileID) ArtifactID {
	return ArtifactID(string(NormalizeFileID(string(id))) + SidecarSuffix)
}
