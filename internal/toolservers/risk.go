package toolservers

import (
	"strings"

	"github.com/nexus-agents/agentgw/pkg/models"
)

// defaultRisk is used when neither a tool's own declared risk nor any
// registered override applies, risk defaults to medium.
const defaultRisk = models.RiskMedium

// riskOverride is one compiled (pattern, level) pair from a server's
// RiskOverrides map.
type riskOverride struct {
	pattern string
	level   models.RiskLevel
}

func parseRisk(s string) (models.RiskLevel, bool) {
	switch models.RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case models.RiskLow:
		return models.RiskLow, true
	case models.RiskMedium:
		return models.RiskMedium, true
	case models.RiskHigh:
		return models.RiskHigh, true
	default:
		return "", false
	}
}

// matchesPattern reports whether a qualified tool name matches a risk
// override pattern: an exact match, a "prefix:*" server-scoped wildcard,
// or a "*suffix" wildcard.
func matchesPattern(pattern, qualifiedName string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || qualifiedName == "" {
		return false
	}
	if pattern == qualifiedName {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(qualifiedName, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(qualifiedName, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

// resolveRisk applies override patterns (longest pattern first, so a
// specific override beats a server-wide wildcard) and falls back to the
// tool's own declared risk, then the package default.
func resolveRisk(qualifiedName string, declared models.RiskLevel, overrides []riskOverride) models.RiskLevel {
	best := ""
	var bestLevel models.RiskLevel
	for _, o := range overrides {
		if !matchesPattern(o.pattern, qualifiedName) {
			continue
		}
		if len(o.pattern) > len(best) {
			best = o.pattern
			bestLevel = o.level
		}
	}
	if best != "" {
		return bestLevel
	}
	if declared != "" {
		return declared
	}
	return defaultRisk
}
