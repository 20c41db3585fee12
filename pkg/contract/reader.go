package contract

import (
	"context"
	"io"
)

// Reader: 输入源抽象（文件/目录/STDIN）。
// 约束：
// 1) 按文件维度回调，调用方负责关闭 ReadCloser；
// 2) FileID 稳定且去平台差异化；
// 3) 不做解析，仅提供原始字节；
// 4) 不在内部起并发，按确定性顺序遍历。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(fileID FileID, r io.ReadCloser) error) error
}

// StdinID: 标准输入对应的 FileID。
const StdinID FileID = "stdin"
