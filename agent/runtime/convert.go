package runtime

import (
	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/model"
	"github.com/levelcode/agentkit/agent/tools"
)

// toModelMessages translates the agent-level history into the
// provider-agnostic wire shape model.Client consumes. Tool-result messages
// (agent.RoleTool) become user-role messages carrying ToolResultPart
// content; individual provider adapters re-route those to whatever role
// their own wire format expects (Anthropic keeps them in a user message,
// OpenAI promotes them to a dedicated "tool" role).
func toModelMessages(history []agent.Message) []*model.Message {
	out := make([]*model.Message, 0, len(history))
	for _, m := range history {
		role := toModelRole(m.Role)
		parts := make([]model.Part, 0, len(m.Content))
		for _, c := range m.Content {
			switch v := c.(type) {
			case agent.TextContent:
				parts = append(parts, model.TextPart{Text: v.Text})
			case agent.ToolCallContent:
				parts = append(parts, model.ToolUsePart{ID: v.ToolCallID, Name: v.ToolName, Input: v.Input})
			case agent.ToolResultContent:
				parts = append(parts, model.ToolResultPart{
					ToolUseID: v.ToolCallID,
					Content:   resultPartsToAny(v.Parts),
					IsError:   v.IsError,
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &model.Message{Role: role, Parts: parts})
	}
	return out
}

func toModelRole(r agent.Role) model.ConversationRole {
	switch r {
	case agent.RoleSystem:
		return model.ConversationRoleSystem
	case agent.RoleAssistant:
		return model.ConversationRoleAssistant
	default: // agent.RoleUser, agent.RoleTool
		return model.ConversationRoleUser
	}
}

func resultPartsToAny(parts []agent.ResultPart) any {
	if len(parts) == 1 && !parts[0].IsJSON {
		return parts[0].Text
	}
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p.IsJSON {
			out = append(out, p.JSON)
		} else {
			out = append(out, p.Text)
		}
	}
	return out
}

// toolDefinitions builds the model.ToolDefinition list for every allowed
// tool name, skipping ones missing from the registry (a template may name
// a tool this run's registry has not loaded).
func toolDefinitions(reg *tools.Registry, names []string) []*model.ToolDefinition {
	out := make([]*model.ToolDefinition, 0, len(names))
	for _, name := range names {
		spec, ok := reg.Lookup(tools.Ident(name))
		if !ok {
			continue
		}
		var schema any
		if spec.InputSchema != nil {
			schema = spec.InputSchema.Raw()
		}
		out = append(out, &model.ToolDefinition{
			Name:        string(spec.ID),
			Description: spec.Description,
			InputSchema: schema,
		})
	}
	return out
}
