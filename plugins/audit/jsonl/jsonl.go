package jsonl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options: JSONL 边车选项。
type Options struct {
	// SkipEmpty: 无变更时不写边车。默认 false（写入空边车，覆盖旧的审计）。
	SkipEmpty bool `json:"skip_empty,omitempty"`
}

// Entry: 边车中的一行。
type Entry struct {
	RunID  string          `json:"run_id"`
	FileID contract.FileID `json:"file_id"`
	contract.AppliedChange
}

// Sink 通过 Writer 写出 <file>.changes.jsonl。
type Sink struct {
	w    contract.Writer
	opts Options
}

var _ contract.AuditSink = (*Sink)(nil)

// New 创建边车审计出口；w 为承载边车的 Writer。
func New(w contract.Writer, opts *Options) (*Sink, error) {
	if w == nil {
		return nil, errors.New("jsonl audit: nil writer")
	}
	s := &Sink{w: w}
	if opts != nil {
		s.opts = *opts
	}
	return s, nil
}

// Record 将 changes 逐行编码后一次性写入边车。
func (s *Sink) Record(ctx context.Context, runID string, fileID contract.FileID, changes []contract.AppliedChange) error {
	if len(changes) == 0 && s.opts.SkipEmpty {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, c := range changes {
		if err := enc.Encode(Entry{RunID: runID, FileID: fileID, AppliedChange: c}); err != nil {
			return err
		}
	}
	return s.w.Write(ctx, contract.ChangesSidecar(fileID), &buf)
}

func (s *Sink) Close() error { return nil }

// Parse 解析边车内容（空行忽略）。
func Parse(data string) ([]Entry, error) {
	var out []Entry
	for i, line := range strings.Split(data, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("changes line %d: %w: %v", i+1, contract.ErrInvalidInput, err)
		}
		out = append(out, e)
	}
	return out, nil
}
