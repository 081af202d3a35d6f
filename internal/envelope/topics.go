package envelope

import "fmt"

// Subject patterns for swarm pub/sub routing. The exact strings are part
// of the protocol: other runtimes on the bus match them verbatim.

func SubjectAgentWildcard(agentID string) string {
	return fmt.Sprintf("swarm.agent.%s.*", agentID)
}

func SubjectAgentInput(agentID string) string {
	return fmt.Sprintf("swarm.agent.%s.input", agentID)
}

func SubjectTeamWildcard(teamID string) string {
	return fmt.Sprintf("swarm.team.%s.*", teamID)
}

func SubjectTeamBroadcast(teamID string) string {
	return fmt.Sprintf("swarm.team.%s.broadcast", teamID)
}

func SubjectAgentOutput(teamID, agentID string) string {
	return fmt.Sprintf("swarm.team.%s.agent.%s.output", teamID, agentID)
}

func SubjectToolCall(toolName string) string {
	return fmt.Sprintf("mcp.call.%s", toolName)
}

func SubjectToolResult(agentID string) string {
	return fmt.Sprintf("mcp.result.%s", agentID)
}

func SubjectChatAgent(agentID string) string {
	return fmt.Sprintf("chat.agent.%s", agentID)
}

// ResolveOutput derives the publish subject for an outbound message.
// Precedence: explicit recipient, then explicit target team, then the
// sender's own team output topic.
func ResolveOutput(agentID, teamID, recipientID, targetTeam string) string {
	switch {
	case recipientID != "":
		return SubjectAgentInput(recipientID)
	case targetTeam != "":
		return SubjectTeamBroadcast(targetTeam)
	default:
		return SubjectAgentOutput(teamID, agentID)
	}
}
