// Package memory provides storage-agnostic helpers for user memory
// extraction and, in this file, the trajectory/knowledge-memo background
// task: scanning persisted chat trajectories and distilling abandoned ones
// into durable MemoryRecord entries.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relayforge/refactd"
)

// DistillAge, DistillMinMessages gate distillation: a trajectory must be
// untouched for two hours, carry at least ten messages, and not have been
// previously distilled.
const (
	DistillAge         = 2 * time.Hour
	DistillMinMessages = 10
	memoMinCount       = 3
	memoMaxCount       = 10
)

// TrajectoryExtractionPrompt is the system prompt fed to a lightweight chat
// model to produce the meta line plus memo lines.
const TrajectoryExtractionPrompt = `You are a knowledge-extraction system. Given the full message log of an ` +
	`abandoned coding-assistant chat session, distill it into durable, reusable knowledge.

Output exactly:
1. One JSON object on its own line: {"overview": "...", "title": "..."} — a one-paragraph summary and a short
   descriptive title for the session.
2. Between 3 and 10 JSON objects, one per line, each {"type": "pattern"|"preference"|"lesson"|"decision"|"insight",
   "content": "..."} — concrete, reusable facts a future session on this codebase would benefit from knowing.

Only extract what is clearly supported by the transcript. Do not include anything about the assistant's own
internal reasoning steps, only durable facts about the user, the codebase, or decisions made.

Return ONLY the JSON lines described above, nothing else.`

// ExtractionMeta is the first JSON line of an extraction response.
type ExtractionMeta struct {
	Overview string `json:"overview"`
	Title    string `json:"title"`
}

// Eligible reports whether t meets the distillation trigger as of now:
// aged >= DistillAge since its last update, carrying >= DistillMinMessages
// messages, and not already distilled.
func Eligible(t refactd.Trajectory, now time.Time) bool {
	if t.MemoExtracted {
		return false
	}
	if len(t.Messages) < DistillMinMessages {
		return false
	}
	return now.Sub(t.UpdatedAt) >= DistillAge
}

// ParseExtraction splits a model's raw extraction response into its meta
// line and memo lines, tolerating markdown code fences and blank lines.
// Malformed or out-of-range memo counts are clamped rather than erroring —
// a partial distillation is still better than none.
func ParseExtraction(response string) (ExtractionMeta, []refactd.MemoRecord, error) {
	var meta ExtractionMeta
	var memos []refactd.MemoRecord

	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "```json")
		line = strings.TrimPrefix(line, "```")
		line = strings.TrimSuffix(line, "```")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if meta.Title == "" && meta.Overview == "" {
			var m ExtractionMeta
			if err := json.Unmarshal([]byte(line), &m); err == nil && (m.Title != "" || m.Overview != "") {
				meta = m
				continue
			}
		}
		var memo refactd.MemoRecord
		if err := json.Unmarshal([]byte(line), &memo); err == nil && memo.Content != "" {
			memos = append(memos, memo)
		}
	}

	if meta.Title == "" && meta.Overview == "" {
		return meta, nil, fmt.Errorf("extraction response: no meta line found")
	}
	if len(memos) > memoMaxCount {
		memos = memos[:memoMaxCount]
	}
	return meta, memos, nil
}

// RenderMemoRecord builds the front-matter-bearing, vector-searchable
// MemoryRecord for one extracted memo, tagged with the trajectory it came
// from.
func RenderMemoRecord(trajectoryID string, t refactd.Trajectory, memo refactd.MemoRecord, now time.Time) refactd.MemoryRecord {
	return refactd.MemoryRecord{
		ID:      refactd.NewID(),
		Title:   fmt.Sprintf("%s: %s", memo.Type, t.Title),
		Tags:    []string{string(memo.Type), "trajectory:" + trajectoryID},
		Created: now,
		Source:  "trajectory",
		Body:    memo.Content,
	}
}

// Chat is the narrow slice of refactd.Provider the extraction step needs —
// a single non-streaming completion — so tests can stub it without a full
// Provider.
type Chat interface {
	Chat(ctx context.Context, req refactd.ChatRequest) (refactd.ChatResponse, error)
}

// Embedder is the narrow slice of refactd.EmbeddingProvider the distillation
// step needs to embed a memo's body before it's upserted.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Distiller runs the scan-and-extract background task. Dir is the
// directory holding one JSON-encoded refactd.Trajectory per file.
type Distiller struct {
	Dir      string
	Chat     Chat
	Store    refactd.KnowledgeStore
	Embedder Embedder // optional; nil means memos are stored without vectors
	Now      func() time.Time
}

func (d *Distiller) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// ScanOnce walks Dir once, distilling every eligible trajectory it finds.
// It returns the number of trajectories distilled this pass. A single
// trajectory's failure (read error, malformed extraction) is logged into
// the returned error slice but does not stop the scan.
func (d *Distiller) ScanOnce(ctx context.Context) (distilled int, errs []error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return 0, []error{fmt.Errorf("trajectory scan: read dir: %w", err)}
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(d.Dir, e.Name())
		ok, err := d.distillOne(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if ok {
			distilled++
		}
	}
	return distilled, errs
}

func (d *Distiller) distillOne(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var t refactd.Trajectory
	if err := json.Unmarshal(data, &t); err != nil {
		return false, &refactd.ErrParse{Source: path, Cause: err}
	}
	if !Eligible(t, d.now()) {
		return false, nil
	}

	req := refactd.ChatRequest{Messages: append(
		[]refactd.ChatMessage{refactd.SystemMessage(TrajectoryExtractionPrompt)},
		t.Messages...,
	)}
	resp, err := d.Chat.Chat(ctx, req)
	if err != nil {
		return false, fmt.Errorf("extraction chat: %w", err)
	}
	meta, memos, err := ParseExtraction(resp.Content)
	if err != nil {
		return false, err
	}
	if len(memos) < memoMinCount {
		return false, fmt.Errorf("extraction produced %d memos, want >= %d", len(memos), memoMinCount)
	}

	now := d.now()
	for _, memo := range memos {
		rec := RenderMemoRecord(t.ID, t, memo, now)
		var vec []float32
		if d.Embedder != nil {
			vecs, err := d.Embedder.Embed(ctx, []string{rec.Body})
			if err == nil && len(vecs) == 1 {
				vec = vecs[0]
			}
		}
		if err := d.Store.UpsertRecord(ctx, rec, vec); err != nil {
			return false, fmt.Errorf("upsert memo: %w", err)
		}
	}

	t.Overview = meta.Overview
	if t.TitleAuto && meta.Title != "" {
		t.Title = meta.Title
	}
	t.MemoExtracted = true
	t.UpdatedAt = now
	return true, writeTrajectoryAtomic(path, t)
}

// writeTrajectoryAtomic persists t to path via a temp-file-then-rename so
// a concurrent reader never sees a torn file.
func writeTrajectoryAtomic(path string, t refactd.Trajectory) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Run loops ScanOnce on interval until ctx is cancelled, the shape the
// AST indexer and vectorizer background tasks already follow.
func (d *Distiller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ScanOnce(ctx)
		}
	}
}
