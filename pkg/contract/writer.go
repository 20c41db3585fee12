package contract

import (
	"context"
	"io"
)

// ArtifactID: 与 FileID 等价的输出工件标识。
// 校正后的文本沿用输入 FileID；审计边车使用 ChangesSidecar 派生的 ID。
type ArtifactID = FileID

// Writer: 将校正结果持久化到目标介质。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 字节透传，不修改内容；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}
