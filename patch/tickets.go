package patch

import (
	"fmt"
	"strings"
)

// Action names the edit operations a ticket can request.
type Action string

const (
	ActionCreate       Action = "📍CREATE_TEXTDOC"
	ActionReplace      Action = "📍REPLACE_TEXTDOC"
	ActionUpdateRegex  Action = "📍UPDATE_TEXTDOC_REGEX"
	ActionUpdateByLine Action = "📍UPDATE_TEXTDOC_BY_LINES"
)

var knownActions = map[string]Action{
	string(ActionCreate):       ActionCreate,
	string(ActionReplace):      ActionReplace,
	string(ActionUpdateRegex):  ActionUpdateRegex,
	string(ActionUpdateByLine): ActionUpdateByLine,
}

// Ticket is one 📍-prefixed instruction block found in an assistant message:
// a header line naming the action, id, and target file, optionally followed
// by "locate_as"/"locate_symbol" hints, and a fenced code block carrying the
// new content.
type Ticket struct {
	Action       Action
	ID           string
	Filename     string
	LocateAs     string // optional: regex pattern (UPDATE_TEXTDOC_REGEX) or ranges string (UPDATE_TEXTDOC_BY_LINES)
	LocateSymbol string
	Content      string
}

// ParseTickets scans message text for 📍-prefixed ticket headers each
// followed by a fenced ``` code block.
// Malformed tickets (header with no following fence, unknown action, too
// few header fields) are skipped rather than treated as fatal — the
// assistant may emit prose around or between tickets.
func ParseTickets(text string) []Ticket {
	lines := strings.Split(text, "\n")
	var out []Ticket

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "📍") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		action, ok := knownActions[fields[0]]
		if !ok {
			continue
		}
		t := Ticket{Action: action, ID: fields[1], Filename: fields[2]}
		if len(fields) > 3 {
			t.LocateAs = fields[3]
		}
		if len(fields) > 4 {
			t.LocateSymbol = fields[4]
		}

		fenceStart := -1
		for j := i + 1; j < len(lines); j++ {
			trimmed := strings.TrimSpace(lines[j])
			if trimmed == "" {
				continue
			}
			if strings.HasPrefix(trimmed, "```") {
				fenceStart = j
			}
			break
		}
		if fenceStart == -1 {
			continue // header with no fenced body: skip, not fatal
		}
		fenceEnd := -1
		for j := fenceStart + 1; j < len(lines); j++ {
			if strings.HasPrefix(strings.TrimSpace(lines[j]), "```") {
				fenceEnd = j
				break
			}
		}
		if fenceEnd == -1 {
			continue // unterminated fence: skip
		}
		t.Content = strings.Join(lines[fenceStart+1:fenceEnd], "\n")
		out = append(out, t)
		i = fenceEnd
	}
	return out
}

// Validate checks a ticket's structural invariants before it is handed to
// its tool: every action
// needs a non-empty filename, and UPDATE_TEXTDOC_REGEX/BY_LINES need the
// locate hint their tool interprets as the match target or ranges string.
func (t Ticket) Validate() error {
	if t.Filename == "" {
		return fmt.Errorf("ticket %s: missing filename", t.ID)
	}
	switch t.Action {
	case ActionUpdateRegex, ActionUpdateByLine:
		if t.LocateAs == "" {
			return fmt.Errorf("ticket %s: action %s requires a locate hint", t.ID, t.Action)
		}
	}
	return nil
}
