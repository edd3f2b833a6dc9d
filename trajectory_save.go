package refactd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SaveTrajectory persists s into dir as "<thread_id>.json". Any
// previously-distilled Title/TitleAuto/Overview/MemoExtracted bookkeeping on
// an existing file is preserved across the rewrite — this function only ever
// refreshes Messages/UpdatedAt — and the write goes through a temp file and
// a rename so readers never see a torn trajectory.
func SaveTrajectory(dir string, s *ChatSession) error {
	if s.Thread.ThreadID == "" {
		return fmt.Errorf("save trajectory: session has no thread id")
	}
	path := filepath.Join(dir, s.Thread.ThreadID+".json")

	t := Trajectory{ID: s.Thread.ThreadID, TitleAuto: true}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &t)
	}
	t.Messages = s.Messages
	t.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("save trajectory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save trajectory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("save trajectory: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadTrajectory reads the persisted trajectory for threadID from dir.
func LoadTrajectory(dir, threadID string) (Trajectory, error) {
	var t Trajectory
	data, err := os.ReadFile(filepath.Join(dir, threadID+".json"))
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("load trajectory: %w", err)
	}
	return t, nil
}

// maybeSaveTrajectory persists the session after a tool round. A no-op when
// TrajectoryDir isn't configured; save failures are swallowed rather than
// aborting the turn — persistence is a side effect of the turn, not part of
// its contract.
func (c *RunConfig) maybeSaveTrajectory(s *ChatSession) {
	if c.TrajectoryDir == "" {
		return
	}
	_ = SaveTrajectory(c.TrajectoryDir, s)
}
