package patch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/relayforge/refactd"
)

// ConvertEditToDiffChunks diffs before/after file contents into the
// line-oriented DiffChunk shape the chat transcript renders, using
// sergi/go-diff's line mode.
func ConvertEditToDiffChunks(fileName string, before, after string, action refactd.FileAction) []refactd.DiffChunk {
	if before == after {
		return nil
	}

	dmp := diffmatchpatch.New()
	beforeLines, afterLines, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeLines, afterLines, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var chunks []refactd.DiffChunk
	line1 := 1 // 1-based cursor into the "before" file
	var removeBuf, addBuf []string
	hunkStart := 0

	flush := func() {
		if len(removeBuf) == 0 && len(addBuf) == 0 {
			return
		}
		chunks = append(chunks, refactd.DiffChunk{
			FileName:    fileName,
			FileAction:  action,
			Line1:       hunkStart,
			Line2:       hunkStart + len(removeBuf),
			LinesRemove: strings.Join(removeBuf, ""),
			LinesAdd:    strings.Join(addBuf, ""),
		})
		removeBuf, addBuf = nil, nil
	}

	for _, d := range diffs {
		lines := splitKeepingNewlines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			line1 += len(lines)
			hunkStart = line1
		case diffmatchpatch.DiffDelete:
			if len(removeBuf) == 0 && len(addBuf) == 0 {
				hunkStart = line1
			}
			removeBuf = append(removeBuf, lines...)
			line1 += len(lines)
		case diffmatchpatch.DiffInsert:
			if len(removeBuf) == 0 && len(addBuf) == 0 {
				hunkStart = line1
			}
			addBuf = append(addBuf, lines...)
		}
	}
	flush()
	return chunks
}

func splitKeepingNewlines(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// RenderApplicationDetails builds the human-readable summary the UI shows
// alongside a DiffChunk for ticket id/action bookkeeping.
func RenderApplicationDetails(ticketID string, action Action) string {
	return fmt.Sprintf("ticket %s applied (%s)", ticketID, strings.TrimPrefix(string(action), "📍"))
}

func formatRange(r LineRange) string {
	if r.End == 0 {
		return strconv.Itoa(r.Start) + ":"
	}
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d:%d", r.Start, r.End)
}
