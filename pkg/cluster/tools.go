package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/vango-go/vai-cluster/pkg/cluster/agent"
	"github.com/vango-go/vai-cluster/pkg/knowledge"
)

const (
	ToolSummonAgent     = "summonAgent"
	ToolDismissAgent    = "dismissAgent"
	ToolSearchKnowledge = "searchKnowledge"
	ToolRaiseSignal     = "raiseSignal"
)

// ToolDeclarations are the functions every agent may call.
func ToolDeclarations(agentIDs []string) []*genai.FunctionDeclaration {
	ids := strings.Join(agentIDs, ", ")
	return []*genai.FunctionDeclaration{
		{
			Name:        ToolSummonAgent,
			Description: "Summon another specialized agent to join the conversation cluster.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"agentId": {Type: genai.TypeString, Description: "The ID of the agent to summon: " + ids},
					"reason":  {Type: genai.TypeString, Description: "Why this agent is being called."},
				},
				Required: []string{"agentId", "reason"},
			},
		},
		{
			Name:        ToolDismissAgent,
			Description: "Dismiss an agent from the conversation cluster when its expertise is no longer needed.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"agentId": {Type: genai.TypeString, Description: "The ID of the agent to dismiss: " + ids},
					"reason":  {Type: genai.TypeString, Description: "Why the agent is leaving."},
				},
				Required: []string{"agentId"},
			},
		},
		{
			Name:        ToolSearchKnowledge,
			Description: "Search the shared knowledge base of uploaded documents.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"query": {Type: genai.TypeString, Description: "What to look for."},
					"limit": {Type: genai.TypeInteger, Description: "Maximum number of documents to return."},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        ToolRaiseSignal,
			Description: "Raise a visual signal in the user interface, such as an alert or an insight.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"kind":    {Type: genai.TypeString, Description: "Signal kind.", Enum: []string{"insight", "warning", "alert", "question"}},
					"message": {Type: genai.TypeString, Description: "Short text shown with the signal."},
				},
				Required: []string{"kind", "message"},
			},
		},
	}
}

func resultPayload(text string) map[string]any { return map[string]any{"result": text} }

func errorPayload(format string, args ...any) map[string]any {
	return map[string]any{"error": fmt.Sprintf(format, args...)}
}

// handleToolCall runs on the event loop. Every branch answers the call,
// now or once its asynchronous work finishes.
func (o *Orchestrator) handleToolCall(from string, call agent.ToolCall) {
	log := o.logger.With().Str("agent_id", from).Str("tool", call.Name).Str("call_id", call.ID).Logger()
	log.Debug().Interface("args", call.Args).Msg("tool call")

	switch call.Name {
	case ToolSummonAgent:
		o.toolSummon(from, call)
	case ToolDismissAgent:
		o.toolDismiss(from, call)
	case ToolSearchKnowledge:
		o.toolSearch(from, call)
	case ToolRaiseSignal:
		sig := Signal{
			ID:      uuid.NewString(),
			AgentID: from,
			Kind:    stringArg(call.Args, "kind"),
			Message: stringArg(call.Args, "message"),
		}
		if sig.Kind == "" {
			sig.Kind = "insight"
		}
		o.emit(Event{Type: EventSignal, AgentID: from, Signal: &sig})
		o.respond(from, call, resultPayload("ok"))
	default:
		log.Warn().Msg("unknown tool")
		o.respond(from, call, errorPayload("unknown tool %q", call.Name))
	}
}

func (o *Orchestrator) toolSummon(from string, call agent.ToolCall) {
	target := stringArg(call.Args, "agentId")
	a, ok := o.catalog.Get(target)
	if !ok {
		o.respond(from, call, errorPayload("Unknown agent %q. Available agents: %s", target, strings.Join(o.catalog.IDs(), ", ")))
		return
	}
	if la := o.live[a.ID]; la != nil && !la.removing {
		o.respond(from, call, resultPayload(a.Name+" is already in the cluster."))
		return
	}
	if la := o.live[a.ID]; la != nil {
		o.dismiss(a.ID, "replaced")
	}
	la, err := o.spawn(a)
	if err != nil {
		o.respond(from, call, errorPayload("%s could not join: %v", a.Name, err))
		return
	}
	o.logger.Info().Str("agent_id", a.ID).Str("summoned_by", from).Str("reason", stringArg(call.Args, "reason")).Msg("agent summoned")
	la.acks = append(la.acks, pendingAck{from: from, call: call})
}

func (o *Orchestrator) toolDismiss(from string, call agent.ToolCall) {
	target := strings.ToLower(strings.TrimSpace(stringArg(call.Args, "agentId")))
	la := o.live[target]
	switch {
	case la == nil || la.removing:
		o.respond(from, call, errorPayload("Agent %q is not in the cluster.", target))
	case target == o.host.ID:
		o.respond(from, call, errorPayload("%s hosts this cluster and cannot be dismissed.", la.agent.Name))
	default:
		o.respond(from, call, resultPayload(la.agent.Name+" left."))
		reason := stringArg(call.Args, "reason")
		if reason == "" {
			reason = "dismissed"
		}
		o.dismiss(target, reason)
	}
}

func (o *Orchestrator) toolSearch(from string, call agent.ToolCall) {
	query := strings.TrimSpace(stringArg(call.Args, "query"))
	if query == "" {
		o.respond(from, call, errorPayload("query is required"))
		return
	}
	if o.searcher == nil {
		o.respond(from, call, resultPayload("Knowledge search is not available in this session."))
		return
	}
	limit := intArg(call.Args, "limit", o.cfg.SearchLimit)
	searcher := o.searcher
	timeout := o.cfg.SearchTimeout
	ctx := o.clusterCtx
	o.inflight[call.ID] = struct{}{}

	go func() {
		searchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		results, err := searcher.Search(searchCtx, query, limit)
		var payload map[string]any
		if err != nil {
			payload = resultPayload("Knowledge search failed: " + err.Error())
		} else {
			payload = resultPayload(knowledge.Format(results))
		}
		o.post(func() {
			if _, ok := o.inflight[call.ID]; !ok {
				return
			}
			delete(o.inflight, call.ID)
			o.respond(from, call, payload)
		})
	}()
}

// respond sends a tool result to from's current session, if it still has one.
func (o *Orchestrator) respond(from string, call agent.ToolCall, payload map[string]any) {
	la := o.live[from]
	if la == nil {
		o.logger.Debug().Str("agent_id", from).Str("call_id", call.ID).Msg("caller gone, dropping tool result")
		return
	}
	if err := la.session.SendToolResult(call.ID, call.Name, payload); err != nil {
		o.logger.Warn().Err(err).Str("agent_id", from).Str("call_id", call.ID).Msg("tool result not sent")
	}
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if v >= 1 && v <= math.MaxInt32 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 && v <= math.MaxInt32 {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return def
}
