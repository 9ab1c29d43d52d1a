package streamhub

import "strings"

// DefaultThinkingLeadIns are the built-in "analysis / planning" phrases
// that mark a content fragment as thinking rather than response. The
// table is bilingual; NewClassifier accepts replacement lists, and the
// configuration file has no key for them.
var DefaultThinkingLeadIns = []string{
	"I need to",
	"Let me",
	"First, I'll",
	"I'll start by",
	"我需要",
	"让我",
	"首先",
}

// DefaultResponseLeadIns mark a fragment as the final response rather than
// thinking, once a tool result has been folded back into the conversation.
var DefaultResponseLeadIns = []string{
	"Based on the results",
	"According to the search",
	"根据查询结果",
	"基于搜索结果",
}

// Classifier classifies assistant content fragments into thinking, response,
// or default, using configurable lead-in phrase tables.
type Classifier struct {
	thinking []string
	response []string
}

// NewClassifier builds a classifier from explicit phrase lists. Empty lists
// fall back to the built-in defaults.
func NewClassifier(thinkingLeadIns, responseLeadIns []string) *Classifier {
	if len(thinkingLeadIns) == 0 {
		thinkingLeadIns = DefaultThinkingLeadIns
	}
	if len(responseLeadIns) == 0 {
		responseLeadIns = DefaultResponseLeadIns
	}
	return &Classifier{thinking: thinkingLeadIns, response: responseLeadIns}
}

// Classify returns the phase for a content fragment. hasToolCall, when true,
// forces "thinking" regardless of text content: a chunk carrying a tool-call
// announcement is always thinking.
func (c *Classifier) Classify(text string, hasToolCall bool) ContentPhase {
	if hasToolCall {
		return PhaseThinking
	}
	trimmed := strings.TrimSpace(text)
	for _, leadIn := range c.thinking {
		if strings.HasPrefix(trimmed, leadIn) {
			return PhaseThinking
		}
	}
	for _, leadIn := range c.response {
		if strings.HasPrefix(trimmed, leadIn) {
			return PhaseResponse
		}
	}
	return PhaseDefault
}
