package agent

import (
	"log/slog"
	"regexp"
)

// Guard actions.
const (
	GuardOff   = "off"
	GuardLog   = "log"
	GuardWarn  = "warn"
	GuardBlock = "block"
)

// injectionPatterns are heuristics for prompt-injection attempts in inbound
// messages. Matching is advisory; the action decides what happens.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions|messages|rules|context)`),
	regexp.MustCompile(`(?i)disregard\s+(your|the|all)\s+(instructions|rules|guidelines|system\s+prompt)`),
	regexp.MustCompile(`(?i)(reveal|print|show|repeat)\s+(your|the)\s+(system\s+prompt|initial\s+instructions|hidden\s+instructions)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(dan|unrestricted|jailbroken|free\s+of)`),
	regexp.MustCompile(`(?i)pretend\s+(you\s+have|there\s+are)\s+no\s+(rules|restrictions|guidelines)`),
	regexp.MustCompile(`(?i)\bdan\s+mode\b`),
	regexp.MustCompile(`(?i)override\s+(your|all)\s+(instructions|safety|rules)`),
	regexp.MustCompile(`(?i)new\s+system\s+prompt\s*:`),
}

// InputGuard screens inbound user messages for prompt-injection attempts.
type InputGuard struct {
	action string
	logger *slog.Logger
}

func NewInputGuard(action string, logger *slog.Logger) *InputGuard {
	if logger == nil {
		logger = slog.Default()
	}
	switch action {
	case GuardOff, GuardLog, GuardWarn, GuardBlock:
	default:
		action = GuardWarn
	}
	return &InputGuard{action: action, logger: logger}
}

// Inspect checks the message. blocked is true only under the "block" action;
// caution is true when the loop should add a caution note to the system
// prompt ("warn" action).
func (g *InputGuard) Inspect(conversationID, message string) (blocked, caution bool) {
	if g == nil || g.action == GuardOff {
		return false, false
	}
	var hit string
	for _, p := range injectionPatterns {
		if m := p.FindString(message); m != "" {
			hit = m
			break
		}
	}
	if hit == "" {
		return false, false
	}

	switch g.action {
	case GuardBlock:
		g.logger.Warn("inbound message blocked by input guard",
			"conversation", conversationID, "pattern", hit)
		return true, false
	case GuardWarn:
		g.logger.Warn("possible prompt injection in inbound message",
			"conversation", conversationID, "pattern", hit)
		return false, true
	default: // log
		g.logger.Info("possible prompt injection in inbound message",
			"conversation", conversationID, "pattern", hit)
		return false, false
	}
}
