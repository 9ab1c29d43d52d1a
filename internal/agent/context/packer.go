// Package context assembles the replayed history window for one agent
// turn: which prior messages to include, in what order, under a message
// count and character budget.
package context

import (
	"github.com/nexus-agents/agentgw/pkg/models"
)

// TruncationMarker is appended wherever packed content had to be cut.
const TruncationMarker = "\n...[truncated]"

// PackOptions configures how a history window is packed.
type PackOptions struct {
	// MaxMessages caps how many messages the window may hold, the
	// incoming message included.
	MaxMessages int

	// MaxChars is the approximate character budget for the whole window,
	// a cheap proxy for tokens.
	MaxChars int

	// MaxToolResultChars caps each tool result's content; longer results
	// are truncated with a visible marker.
	MaxToolResultChars int
}

// DefaultPackOptions returns the packer defaults: a 60-message window,
// roughly 7.5k tokens of characters, 6k chars per tool result.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        60,
		MaxChars:           30000,
		MaxToolResultChars: 6000,
	}
}

// Packer selects and shapes messages for the LLM prompt.
type Packer struct {
	opts PackOptions
}

// NewPacker builds a packer; zero option fields get defaults.
func NewPacker(opts PackOptions) *Packer {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 60
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 30000
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = 6000
	}
	return &Packer{opts: opts}
}

// Pack builds the prompt window: the newest history messages that fit the
// budgets, in chronological order, followed by the incoming message.
//
// Selection walks history newest-first and stops at the first message
// that would overflow either budget, so a window is always a contiguous
// suffix of the conversation. The incoming message is reserved ahead of
// selection and therefore always present; if the incoming message alone
// exceeds the character budget, its content is truncated with a visible
// marker at the tail rather than dropped.
func (p *Packer) Pack(history []*models.Message, incoming *models.Message) ([]*models.Message, error) {
	totalChars := 0
	totalMsgs := 0

	if incoming != nil {
		chars := p.messageChars(incoming)
		if chars > p.opts.MaxChars {
			incoming = p.truncateContent(incoming)
			chars = p.messageChars(incoming)
		}
		totalChars += chars
		totalMsgs++
	}

	// Walk newest-first, collecting in reverse, then flip once.
	selectedReverse := make([]*models.Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m == nil {
			continue
		}
		msgChars := p.messageChars(m)

		if totalMsgs+1 > p.opts.MaxMessages {
			break
		}
		if totalChars+msgChars > p.opts.MaxChars {
			break
		}

		selectedReverse = append(selectedReverse, m)
		totalMsgs++
		totalChars += msgChars
	}

	result := make([]*models.Message, 0, len(selectedReverse)+1)
	for i := len(selectedReverse) - 1; i >= 0; i-- {
		result = append(result, p.truncateToolResults(selectedReverse[i]))
	}
	result = dropLeadingToolResults(result)

	if incoming != nil {
		result = append(result, incoming)
	}

	return result, nil
}

// messageChars estimates a message's prompt cost in characters.
func (p *Packer) messageChars(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	for _, tr := range m.ToolResults {
		chars += len(tr.Content)
	}
	return chars
}

// truncateContent returns a copy whose content fits MaxChars, marker
// included.
func (p *Packer) truncateContent(m *models.Message) *models.Message {
	budget := p.opts.MaxChars - len(TruncationMarker)
	if budget < 0 {
		budget = 0
	}
	if len(m.Content) <= budget {
		return m
	}
	clone := *m
	clone.Content = m.Content[:budget] + TruncationMarker
	return &clone
}

// truncateToolResults returns a copy with each over-long tool result cut
// to MaxToolResultChars.
func (p *Packer) truncateToolResults(m *models.Message) *models.Message {
	needsTruncation := false
	for _, tr := range m.ToolResults {
		if len(tr.Content) > p.opts.MaxToolResultChars {
			needsTruncation = true
			break
		}
	}
	if !needsTruncation {
		return m
	}

	clone := *m
	clone.ToolResults = make([]models.ToolResult, len(m.ToolResults))
	for i, tr := range m.ToolResults {
		if len(tr.Content) > p.opts.MaxToolResultChars {
			tr.Content = tr.Content[:p.opts.MaxToolResultChars] + TruncationMarker
		}
		clone.ToolResults[i] = tr
	}
	return &clone
}

// dropLeadingToolResults removes tool-role messages from the front of the
// window. Budget cuts can strand a tool result whose originating
// assistant tool call fell outside the window, and providers reject a
// conversation that opens with an unanswered tool result.
func dropLeadingToolResults(messages []*models.Message) []*models.Message {
	start := 0
	for start < len(messages) {
		m := messages[start]
		if m.Role == models.RoleTool || len(m.ToolResults) > 0 {
			start++
			continue
		}
		break
	}
	return messages[start:]
}
