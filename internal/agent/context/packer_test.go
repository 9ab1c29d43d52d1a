package context

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/agentgw/pkg/models"
)

func msg(id string, role models.Role, content string) *models.Message {
	return &models.Message{ID: id, SessionID: "s1", Role: role, Content: content}
}

func TestPackKeepsNewestSuffixInOrder(t *testing.T) {
	p := NewPacker(PackOptions{MaxMessages: 3, MaxChars: 10000})
	history := []*models.Message{
		msg("1", models.RoleUser, "first"),
		msg("2", models.RoleAssistant, "second"),
		msg("3", models.RoleUser, "third"),
		msg("4", models.RoleAssistant, "fourth"),
	}
	incoming := msg("5", models.RoleUser, "fifth")

	packed, err := p.Pack(history, incoming)
	require.NoError(t, err)
	require.Len(t, packed, 3)
	require.Equal(t, "3", packed[0].ID)
	require.Equal(t, "4", packed[1].ID)
	require.Equal(t, "5", packed[2].ID)
}

func TestPackStopsAtCharBudget(t *testing.T) {
	// Incoming (5 chars) + newest history (6 chars) fit in 15; adding the
	// older 10-char message would overflow and must cut the window there.
	p := NewPacker(PackOptions{MaxMessages: 10, MaxChars: 15})
	history := []*models.Message{
		msg("old", models.RoleUser, strings.Repeat("a", 10)),
		msg("new", models.RoleAssistant, strings.Repeat("b", 6)),
	}
	incoming := msg("in", models.RoleUser, "hello")

	packed, err := p.Pack(history, incoming)
	require.NoError(t, err)
	require.Len(t, packed, 2)
	require.Equal(t, "new", packed[0].ID)
	require.Equal(t, "in", packed[1].ID)
}

func TestPackExactBudgetIsAccepted(t *testing.T) {
	// 5 + 10 = exactly the budget: the history message is included.
	p := NewPacker(PackOptions{MaxMessages: 10, MaxChars: 15})
	history := []*models.Message{
		msg("h", models.RoleAssistant, strings.Repeat("x", 10)),
	}
	incoming := msg("in", models.RoleUser, "hello")

	packed, err := p.Pack(history, incoming)
	require.NoError(t, err)
	require.Len(t, packed, 2)
}

func TestPackTruncatesOversizedIncoming(t *testing.T) {
	p := NewPacker(PackOptions{MaxMessages: 5, MaxChars: 100})
	incoming := msg("in", models.RoleUser, strings.Repeat("z", 500))

	packed, err := p.Pack(nil, incoming)
	require.NoError(t, err)
	require.Len(t, packed, 1)
	require.True(t, strings.HasSuffix(packed[0].Content, TruncationMarker))
	require.LessOrEqual(t, len(packed[0].Content), 100)
}

func TestPackTruncatesLongToolResultsWithoutMutatingHistory(t *testing.T) {
	p := NewPacker(PackOptions{MaxMessages: 5, MaxChars: 100000, MaxToolResultChars: 20})
	original := strings.Repeat("r", 50)
	toolMsg := &models.Message{
		ID:   "t1",
		Role: models.RoleAssistant,
		ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: original},
		},
	}
	history := []*models.Message{
		msg("u1", models.RoleUser, "run it"),
		toolMsg,
	}

	packed, err := p.Pack(history, msg("in", models.RoleUser, "next"))
	require.NoError(t, err)

	var packedTool *models.Message
	for _, m := range packed {
		if m.ID == "t1" {
			packedTool = m
		}
	}
	require.NotNil(t, packedTool)
	require.True(t, strings.HasSuffix(packedTool.ToolResults[0].Content, TruncationMarker))
	require.Equal(t, original, toolMsg.ToolResults[0].Content, "history record must stay untouched")
}

func TestPackDropsStrandedLeadingToolResult(t *testing.T) {
	// Window cuts between an assistant tool call and its result; the
	// stranded result at the window head must not survive.
	p := NewPacker(PackOptions{MaxMessages: 2, MaxChars: 100000})
	history := []*models.Message{
		msg("u1", models.RoleUser, "call the tool"),
		{ID: "a1", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "srv:tool"}}},
		{ID: "t1", Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "ok"}}},
	}

	packed, err := p.Pack(history, msg("in", models.RoleUser, "and now?"))
	require.NoError(t, err)
	require.Len(t, packed, 1)
	require.Equal(t, "in", packed[0].ID)
}

func TestPackNilAndEmptyInputs(t *testing.T) {
	p := NewPacker(PackOptions{})

	packed, err := p.Pack(nil, nil)
	require.NoError(t, err)
	require.Empty(t, packed)

	packed, err = p.Pack([]*models.Message{nil, msg("1", models.RoleUser, "hi")}, nil)
	require.NoError(t, err)
	require.Len(t, packed, 1)
}
