package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hangingahaw/bluebookify/internal/diag"
	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// FileReport 单个文件的处理结果。
type FileReport struct {
	FileID   contract.FileID
	Stats    Stats
	Changes  int
	Attempts int
}

// RunFiles 逐文件执行：Reader → Run → Writer（校正文本）→ Audit。
// 文件按 Reader 的确定性顺序串行处理；首个失败文件终止整体运行。
// 单文件失败且可重试（网络/限流/回复形状/覆盖不完整）时，整文件重跑至多 MaxRetries 次。
func RunFiles(ctx context.Context, comp Components, set Settings, logger *diag.Logger) ([]FileReport, error) {
	if comp.Reader == nil || comp.Writer == nil {
		return nil, fmt.Errorf("%w: pipeline missing reader/writer", contract.ErrConfig)
	}
	if err := checkCore(comp, set); err != nil {
		return nil, err
	}
	if len(set.Inputs) == 0 {
		return nil, fmt.Errorf("%w: empty inputs", contract.ErrConfig)
	}
	if set.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be >= 0", contract.ErrConfig)
	}
	if set.RunID == "" {
		set.RunID = diag.NewCorrID()
	}

	var reports []FileReport
	err := comp.Reader.Iterate(ctx, set.Inputs, func(fileID contract.FileID, rc io.ReadCloser) error {
		data, rerr := io.ReadAll(rc)
		_ = rc.Close()
		if rerr != nil {
			logger.ErrorWith("reader", diag.Classify(rerr), "read failed", nil, string(fileID), "")
			return fmt.Errorf("read %s: %w", fileID, rerr)
		}
		rep, err := runFile(ctx, comp, set, fileID, string(data), logger)
		if err != nil {
			return fmt.Errorf("%s: %w", fileID, err)
		}
		reports = append(reports, rep)
		return nil
	})
	return reports, err
}

func runFile(ctx context.Context, comp Components, set Settings, fileID contract.FileID, text string, logger *diag.Logger) (FileReport, error) {
	rep := FileReport{FileID: fileID}
	fid := string(fileID)
	t0 := time.Now()

	var res contract.Result
	retry := backoff.WithContext(retryPolicy(set), ctx)
	err := backoff.RetryNotify(func() error {
		rep.Attempts++
		var rerr error
		res, rep.Stats, rerr = Run(ctx, comp, set, fileID, text, logger)
		if rerr != nil && !diag.Retryable(diag.Classify(rerr)) {
			return backoff.Permanent(rerr)
		}
		return rerr
	}, retry, func(err error, _ time.Duration) {
		set.Terminal.Retry(fid, rep.Attempts+1, diag.Classify(err))
	})
	if err != nil {
		set.Terminal.FileFinish(false, 0, time.Since(t0))
		return rep, err
	}

	wt := logger.StartWith("writer", "write", fid, "")
	if err := comp.Writer.Write(ctx, contract.ArtifactID(fileID), strings.NewReader(res.Text)); err != nil {
		logger.ErrorWith("writer", diag.Classify(err), "write failed", wt.Started(), fid, "")
		return rep, fmt.Errorf("writer write: %w", err)
	}
	wt.Finish("write", int64(len(res.Text)))

	if comp.Audit != nil {
		if err := comp.Audit.Record(ctx, set.RunID, fileID, res.Changes); err != nil {
			logger.ErrorWith("audit", diag.Classify(err), "record failed", nil, fid, "")
			return rep, fmt.Errorf("audit record: %w", err)
		}
	}
	rep.Changes = len(res.Changes)
	set.Terminal.FileFinish(true, rep.Changes, time.Since(t0))
	return rep, nil
}

// retryPolicy: 首次等待 RetryBackoff，之后逐次翻倍，上限 30s；至多 MaxRetries 次重跑。
// RetryBackoff<=0 时不等待。
func retryPolicy(set Settings) backoff.BackOff {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if set.RetryBackoff > 0 {
		b = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(set.RetryBackoff),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0),
			backoff.WithMaxInterval(30*time.Second),
			backoff.WithMaxElapsedTime(0),
		)
	}
	return backoff.WithMaxRetries(b, uint64(set.MaxRetries))
}
