package agent

import (
	"github.com/loopkit/loopkit/pkg/llm"
	"github.com/loopkit/loopkit/pkg/utils"
)

// pruneHeadroom is the fraction of the derived token budget left unused.
const pruneHeadroom = 0.08

type pruneKind int

const (
	pruneOldestFirst pruneKind = iota
	pruneMiddleOut
	pruneRecentTurns
	pruneCustom
)

// PruningStrategy selects how the pruner chooses messages to drop.
type PruningStrategy struct {
	kind   pruneKind
	turns  int
	custom func([]llm.Message) []llm.Message
}

// OldestFirst drops the oldest eligible messages until the bound is met.
func OldestFirst() PruningStrategy {
	return PruningStrategy{kind: pruneOldestFirst}
}

// MiddleOut drops from the interior of the conversation, keeping a prefix
// and a suffix; the suffix always covers the protected recent turns.
func MiddleOut() PruningStrategy {
	return PruningStrategy{kind: pruneMiddleOut}
}

// RecentTurnsOnly discards everything older than the last n turns.
func RecentTurnsOnly(n int) PruningStrategy {
	if n < 1 {
		n = 1
	}
	return PruningStrategy{kind: pruneRecentTurns, turns: n}
}

// CustomStrategy applies a caller-supplied pure function. If its output
// violates the pruning invariants the state is returned unchanged and a
// violation is logged.
func CustomStrategy(fn func([]llm.Message) []llm.Message) PruningStrategy {
	return PruningStrategy{kind: pruneCustom, custom: fn}
}

// ContextWindowConfig bounds a conversation between turns.
type ContextWindowConfig struct {
	// MaxTokens enables token bounding. The effective budget is the smaller
	// of MaxTokens and the client-derived budget
	// (contextWindow - reserveCompletion) scaled by the headroom.
	MaxTokens int

	// MaxMessages bounds the conversation by message count. Zero disables.
	MaxMessages int

	// PreserveSystemMessage retains an in-conversation system message
	// regardless of age.
	PreserveSystemMessage bool

	// MinRecentTurns is the number of trailing turns that are never dropped.
	MinRecentTurns int

	Strategy PruningStrategy
}

// pruneUnit is an atomic droppable group. An assistant message with tool
// calls and its following tool messages always travel together; orphaning
// a tool call or a tool message is forbidden.
type pruneUnit struct {
	messages []llm.Message
	turn     int
	system   bool
}

// Prune returns a state whose conversation satisfies cfg. The last
// MinRecentTurns turns survive regardless of the bound.
func (a *Agent) Prune(state State, cfg ContextWindowConfig) State {
	if len(state.Conversation) == 0 {
		return state
	}

	if cfg.Strategy.kind == pruneCustom {
		return a.pruneCustom(state, cfg)
	}

	units := buildPruneUnits(state.Conversation)
	totalTurns := 0
	for _, u := range units {
		if u.turn+1 > totalTurns {
			totalTurns = u.turn + 1
		}
	}
	protectedTurn := totalTurns - cfg.MinRecentTurns

	kept := make([]bool, len(units))
	eligible := make([]int, 0, len(units))
	for i, u := range units {
		kept[i] = true
		if u.turn >= protectedTurn {
			continue
		}
		if cfg.PreserveSystemMessage && u.system {
			continue
		}
		eligible = append(eligible, i)
	}

	if cfg.Strategy.kind == pruneRecentTurns {
		cutoff := totalTurns - max(cfg.Strategy.turns, cfg.MinRecentTurns)
		for _, i := range eligible {
			if units[i].turn < cutoff {
				kept[i] = false
			}
		}
		state.Conversation = flattenUnits(units, kept)
		return state
	}

	order := eligible
	if cfg.Strategy.kind == pruneMiddleOut {
		order = middleOutOrder(eligible, len(units))
	}

	counter := a.tokenCounter()
	budget := a.tokenBudget(cfg)
	for _, i := range order {
		if a.withinBound(flattenUnits(units, kept), cfg, counter, budget) {
			break
		}
		kept[i] = false
	}

	state.Conversation = flattenUnits(units, kept)
	return state
}

func (a *Agent) pruneCustom(state State, cfg ContextWindowConfig) State {
	pruned := cfg.Strategy.custom(state.Conversation)
	if !validPruneResult(state.Conversation, pruned, cfg) {
		a.logger.Warn("Custom pruning strategy violated invariants; conversation unchanged")
		return state.Log("[system] Pruning violation: custom strategy output rejected")
	}
	state.Conversation = pruned
	return state
}

// tokenBudget derives the effective token budget for pruning.
func (a *Agent) tokenBudget(cfg ContextWindowConfig) int {
	if cfg.MaxTokens <= 0 {
		return 0
	}
	derived := int(float64(a.client.ContextWindow()-a.client.ReserveCompletion()) * (1 - pruneHeadroom))
	if derived > 0 && derived < cfg.MaxTokens {
		return derived
	}
	return cfg.MaxTokens
}

func (a *Agent) tokenCounter() *utils.TokenCounter {
	counter, err := utils.NewTokenCounter(a.client.ModelName())
	if err != nil {
		return nil
	}
	return counter
}

func (a *Agent) withinBound(conv []llm.Message, cfg ContextWindowConfig, counter *utils.TokenCounter, budget int) bool {
	if cfg.MaxMessages > 0 && len(conv) > cfg.MaxMessages {
		return false
	}
	if budget > 0 {
		total := 0
		if counter != nil {
			total = counter.CountConversation(conv)
		} else {
			for _, msg := range conv {
				total += utils.EstimateTokens(msg.Content)
			}
		}
		if total > budget {
			return false
		}
	}
	return true
}

func buildPruneUnits(conv []llm.Message) []pruneUnit {
	var units []pruneUnit
	turn := -1
	for i := 0; i < len(conv); {
		msg := conv[i]
		if msg.Role == llm.RoleUser {
			turn++
		}
		t := max(turn, 0)
		if msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0 {
			j := i + 1
			for j < len(conv) && conv[j].Role == llm.RoleTool {
				j++
			}
			units = append(units, pruneUnit{messages: conv[i:j], turn: t})
			i = j
			continue
		}
		units = append(units, pruneUnit{
			messages: conv[i : i+1],
			turn:     t,
			system:   msg.Role == llm.RoleSystem,
		})
		i++
	}
	return units
}

func flattenUnits(units []pruneUnit, kept []bool) []llm.Message {
	var out []llm.Message
	for i, u := range units {
		if kept[i] {
			out = append(out, u.messages...)
		}
	}
	return out
}

// middleOutOrder sorts eligible unit indices by proximity to the interior,
// nearest first. Ties go to the older side so the recent suffix, and any
// tool-call group on it, is retained longest.
func middleOutOrder(eligible []int, total int) []int {
	center := float64(total-1) / 2
	order := make([]int, len(eligible))
	copy(order, eligible)
	for i := 1; i < len(order); i++ {
		for j := i; j > 0; j-- {
			di := distance(float64(order[j]), center)
			dj := distance(float64(order[j-1]), center)
			if di < dj || (di == dj && order[j] < order[j-1]) {
				order[j], order[j-1] = order[j-1], order[j]
			} else {
				break
			}
		}
	}
	return order
}

func distance(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

// validPruneResult checks the invariants a custom strategy must uphold:
// the protected recent turns survive intact, a preserved system message is
// retained, and no tool message is orphaned from its originating call.
func validPruneResult(original, pruned []llm.Message, cfg ContextWindowConfig) bool {
	// Tool-call integrity within the pruned conversation.
	pending := map[string]bool{}
	for _, msg := range pruned {
		switch msg.Role {
		case llm.RoleAssistant:
			for _, call := range msg.ToolCalls {
				pending[call.ID] = true
			}
		case llm.RoleTool:
			if !pending[msg.ToolCallID] {
				return false
			}
			delete(pending, msg.ToolCallID)
		}
	}
	if len(pending) > 0 {
		return false
	}

	if cfg.PreserveSystemMessage && containsSystem(original) && !containsSystem(pruned) {
		return false
	}

	if cfg.MinRecentTurns > 0 {
		suffix := recentTurnSuffix(original, cfg.MinRecentTurns)
		if len(suffix) > len(pruned) {
			return false
		}
		tail := pruned[len(pruned)-len(suffix):]
		for i := range suffix {
			if !messageEqual(tail[i], suffix[i]) {
				return false
			}
		}
	}
	return true
}

func containsSystem(conv []llm.Message) bool {
	for _, msg := range conv {
		if msg.Role == llm.RoleSystem {
			return true
		}
	}
	return false
}

// recentTurnSuffix returns the trailing messages covering the last n turns.
func recentTurnSuffix(conv []llm.Message, n int) []llm.Message {
	seen := 0
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Role == llm.RoleUser {
			seen++
			if seen == n {
				return conv[i:]
			}
		}
	}
	return conv
}

func messageEqual(a, b llm.Message) bool {
	if a.Role != b.Role || a.Content != b.Content || a.ToolCallID != b.ToolCallID {
		return false
	}
	if len(a.ToolCalls) != len(b.ToolCalls) {
		return false
	}
	for i := range a.ToolCalls {
		if a.ToolCalls[i].ID != b.ToolCalls[i].ID || a.ToolCalls[i].Name != b.ToolCalls[i].Name {
			return false
		}
	}
	return true
}
