package httpapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/agentgw/internal/streamhub"
)

func collectCoalesced(events []streamhub.Event) []streamhub.Event {
	var out []streamhub.Event
	c := &contentCoalescer{emit: func(e streamhub.Event) { out = append(out, e) }}
	for _, e := range events {
		c.add(e)
	}
	c.flush()
	return out
}

func TestCoalescerBatchesSmallFragments(t *testing.T) {
	out := collectCoalesced([]streamhub.Event{
		streamhub.Content(streamhub.PhaseDefault, "a"),
		streamhub.Content(streamhub.PhaseDefault, "b"),
		streamhub.Content(streamhub.PhaseDefault, "cde"),
	})
	require.Len(t, out, 1)
	require.Equal(t, "abcde", out[0].Content)
}

func TestCoalescerFlushesOnSentenceDelimiter(t *testing.T) {
	out := collectCoalesced([]streamhub.Event{
		streamhub.Content(streamhub.PhaseDefault, "Hi."),
		streamhub.Content(streamhub.PhaseDefault, "Bye"),
	})
	require.Len(t, out, 2)
	require.Equal(t, "Hi.", out[0].Content)
	require.Equal(t, "Bye", out[1].Content)
}

func TestCoalescerFlushesBeforeOtherEventKinds(t *testing.T) {
	out := collectCoalesced([]streamhub.Event{
		streamhub.Content(streamhub.PhaseThinking, "um"),
		streamhub.ToolExecStatus("r1", "srv:t", streamhub.ToolExecuting, nil, ""),
		streamhub.Content(streamhub.PhaseDefault, "done now."),
	})
	require.Len(t, out, 3)
	require.Equal(t, streamhub.EventContent, out[0].Type)
	require.Equal(t, "um", out[0].Content)
	require.Equal(t, streamhub.EventToolExecutionStatus, out[1].Type)
	require.Equal(t, "done now.", out[2].Content)
}

func TestCoalescerSplitsPhaseChanges(t *testing.T) {
	out := collectCoalesced([]streamhub.Event{
		streamhub.Content(streamhub.PhaseThinking, "hm"),
		streamhub.Content(streamhub.PhaseResponse, "ok"),
	})
	require.Len(t, out, 2)
	require.Equal(t, streamhub.PhaseThinking, out[0].Phase)
	require.Equal(t, streamhub.PhaseResponse, out[1].Phase)
}
