package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayforge/refactd"
)

func TestEligible(t *testing.T) {
	now := time.Now()
	manyMsgs := make([]refactd.ChatMessage, DistillMinMessages)

	tests := []struct {
		name string
		traj refactd.Trajectory
		want bool
	}{
		{"aged, enough messages, not distilled", refactd.Trajectory{UpdatedAt: now.Add(-3 * time.Hour), Messages: manyMsgs}, true},
		{"too young", refactd.Trajectory{UpdatedAt: now.Add(-1 * time.Hour), Messages: manyMsgs}, false},
		{"too few messages", refactd.Trajectory{UpdatedAt: now.Add(-3 * time.Hour), Messages: manyMsgs[:5]}, false},
		{"already distilled", refactd.Trajectory{UpdatedAt: now.Add(-3 * time.Hour), Messages: manyMsgs, MemoExtracted: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Eligible(tt.traj, now); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseExtraction(t *testing.T) {
	resp := `{"overview":"fixed a race condition","title":"Fix race in file watcher"}
{"type":"lesson","content":"always close the watcher on ctx.Done"}
{"type":"pattern","content":"use a buffered channel for the done signal"}
{"type":"decision","content":"chose polling over inotify for portability"}`

	meta, memos, err := ParseExtraction(resp)
	if err != nil {
		t.Fatalf("ParseExtraction() error = %v", err)
	}
	if meta.Title != "Fix race in file watcher" {
		t.Errorf("Title = %q", meta.Title)
	}
	if len(memos) != 3 {
		t.Fatalf("len(memos) = %d, want 3", len(memos))
	}
	if memos[0].Type != refactd.MemoLesson {
		t.Errorf("memos[0].Type = %q, want %q", memos[0].Type, refactd.MemoLesson)
	}
}

func TestParseExtractionFencedAndNoMeta(t *testing.T) {
	resp := "```json\n" + `{"bogus":"no meta fields"}` + "\n```"
	if _, _, err := ParseExtraction(resp); err == nil {
		t.Error("ParseExtraction() with no meta line should error")
	}
}

func TestParseExtractionClampsOverMax(t *testing.T) {
	var sb []byte
	sb = append(sb, []byte(`{"overview":"o","title":"t"}`+"\n")...)
	for i := 0; i < 15; i++ {
		sb = append(sb, []byte(`{"type":"insight","content":"memo"}`+"\n")...)
	}
	_, memos, err := ParseExtraction(string(sb))
	if err != nil {
		t.Fatalf("ParseExtraction() error = %v", err)
	}
	if len(memos) != memoMaxCount {
		t.Errorf("len(memos) = %d, want %d (clamped)", len(memos), memoMaxCount)
	}
}

// --- Distiller end-to-end ---

type stubChat struct {
	response string
	calls    int
}

func (s *stubChat) Chat(context.Context, refactd.ChatRequest) (refactd.ChatResponse, error) {
	s.calls++
	return refactd.ChatResponse{Content: s.response}, nil
}

type stubKnowledgeStore struct {
	records []refactd.MemoryRecord
}

func (s *stubKnowledgeStore) UpsertRecord(_ context.Context, rec refactd.MemoryRecord, _ []float32) error {
	s.records = append(s.records, rec)
	return nil
}
func (s *stubKnowledgeStore) SearchRecords(context.Context, []float32, int) ([]refactd.ScoredMemoryRecord, error) {
	return nil, nil
}
func (s *stubKnowledgeStore) Init(context.Context) error { return nil }

func writeTrajFile(t *testing.T, dir, id string, traj refactd.Trajectory) string {
	t.Helper()
	traj.ID = id
	data, err := json.Marshal(traj)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func eligibleTrajectory() refactd.Trajectory {
	msgs := make([]refactd.ChatMessage, DistillMinMessages+2)
	for i := range msgs {
		msgs[i] = refactd.UserMessage("message")
	}
	return refactd.Trajectory{
		Title:     "untitled",
		TitleAuto: true,
		Messages:  msgs,
		UpdatedAt: time.Now().Add(-3 * time.Hour),
	}
}

const fakeExtraction = `{"overview":"summary","title":"Real title"}
{"type":"pattern","content":"a"}
{"type":"lesson","content":"b"}
{"type":"decision","content":"c"}`

func TestDistillerScanOnceDistillsEligible(t *testing.T) {
	dir := t.TempDir()
	path := writeTrajFile(t, dir, "traj-1", eligibleTrajectory())

	chat := &stubChat{response: fakeExtraction}
	store := &stubKnowledgeStore{}
	d := &Distiller{Dir: dir, Chat: chat, Store: store}

	n, errs := d.ScanOnce(context.Background())
	if len(errs) != 0 {
		t.Fatalf("ScanOnce() errs = %v", errs)
	}
	if n != 1 {
		t.Fatalf("ScanOnce() distilled = %d, want 1", n)
	}
	if len(store.records) != 3 {
		t.Fatalf("len(store.records) = %d, want 3", len(store.records))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var updated refactd.Trajectory
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatal(err)
	}
	if !updated.MemoExtracted {
		t.Error("MemoExtracted should be true after distillation")
	}
	if updated.Title != "Real title" {
		t.Errorf("Title = %q, want auto-title replaced with extracted title", updated.Title)
	}
}

func TestDistillerScanOnceNoDuplicateOnRerun(t *testing.T) {
	dir := t.TempDir()
	writeTrajFile(t, dir, "traj-1", eligibleTrajectory())

	chat := &stubChat{response: fakeExtraction}
	store := &stubKnowledgeStore{}
	d := &Distiller{Dir: dir, Chat: chat, Store: store}

	d.ScanOnce(context.Background())
	firstCalls, firstRecords := chat.calls, len(store.records)

	n, _ := d.ScanOnce(context.Background())
	if n != 0 {
		t.Errorf("second ScanOnce() distilled = %d, want 0 (memo_extracted=true)", n)
	}
	if chat.calls != firstCalls {
		t.Errorf("second ScanOnce() invoked Chat again: calls = %d, want %d", chat.calls, firstCalls)
	}
	if len(store.records) != firstRecords {
		t.Errorf("second ScanOnce() produced more records: %d, want %d", len(store.records), firstRecords)
	}
}

func TestDistillerScanOnceSkipsIneligible(t *testing.T) {
	dir := t.TempDir()
	young := eligibleTrajectory()
	young.UpdatedAt = time.Now()
	writeTrajFile(t, dir, "traj-young", young)

	chat := &stubChat{response: fakeExtraction}
	store := &stubKnowledgeStore{}
	d := &Distiller{Dir: dir, Chat: chat, Store: store}

	n, errs := d.ScanOnce(context.Background())
	if n != 0 || len(errs) != 0 {
		t.Errorf("ScanOnce() = (%d, %v), want (0, nil) for an ineligible trajectory", n, errs)
	}
	if chat.calls != 0 {
		t.Error("Chat should not be invoked for an ineligible trajectory")
	}
}

func TestDistillerScanOnceTooFewMemosIsError(t *testing.T) {
	dir := t.TempDir()
	writeTrajFile(t, dir, "traj-1", eligibleTrajectory())

	chat := &stubChat{response: `{"overview":"o","title":"t"}` + "\n" + `{"type":"insight","content":"only one"}`}
	store := &stubKnowledgeStore{}
	d := &Distiller{Dir: dir, Chat: chat, Store: store}

	n, errs := d.ScanOnce(context.Background())
	if n != 0 {
		t.Errorf("distilled = %d, want 0", n)
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly 1 (too few memos)", errs)
	}
}
