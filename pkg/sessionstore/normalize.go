package sessionstore

import "github.com/codelia/codelia/pkg/models"

// NormalizeHistory restores the tool-call pairing invariant after an
// interrupted turn: every assistant tool call must have exactly one tool
// output before the next assistant message, and every tool output must
// answer a call declared by the nearest preceding assistant message.
//
// The function drops assistant tool calls with no matching output, drops
// orphaned or duplicate tool outputs, and removes assistant messages left
// with neither content nor calls. It never mutates its input and is
// idempotent: applying it twice equals applying it once.
func NormalizeHistory(messages []models.Message) []models.Message {
	if len(messages) == 0 {
		return messages
	}

	// Pass 1: for each assistant message, the set of its call ids answered
	// before the next assistant message.
	answered := make([]map[string]bool, len(messages))
	for i, m := range messages {
		if m.Role != models.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		declared := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			declared[tc.ID] = true
		}
		got := make(map[string]bool)
		for j := i + 1; j < len(messages); j++ {
			if messages[j].Role == models.RoleAssistant {
				break
			}
			if messages[j].Role == models.RoleTool && declared[messages[j].ToolCallID] {
				got[messages[j].ToolCallID] = true
			}
		}
		answered[i] = got
	}

	// Pass 2: rebuild, filtering calls and outputs against each other.
	out := make([]models.Message, 0, len(messages))
	var keptCalls map[string]bool // calls declared by the nearest kept assistant, not yet answered
	for i, m := range messages {
		switch m.Role {
		case models.RoleAssistant:
			kept := m
			if len(m.ToolCalls) > 0 {
				calls := make([]models.ToolCall, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					if answered[i][tc.ID] {
						calls = append(calls, tc)
					}
				}
				if len(calls) == 0 {
					calls = nil
				}
				kept.ToolCalls = calls
			}
			keptCalls = make(map[string]bool, len(kept.ToolCalls))
			for _, tc := range kept.ToolCalls {
				keptCalls[tc.ID] = true
			}
			if kept.ToolCalls == nil && kept.Content == nil {
				continue
			}
			out = append(out, kept)
		case models.RoleTool:
			if keptCalls[m.ToolCallID] {
				// First output wins; later duplicates are orphans.
				delete(keptCalls, m.ToolCallID)
				out = append(out, m)
			}
		default:
			out = append(out, m)
		}
	}
	return out
}
