package pattern

import (
	"fmt"
	"sort"
	"strings"

	"github.com/drover/drover/internal/session/models"
)

// buildFullPrompt wraps the turn input with the agent's system prompt,
// personality, and constraints.
func buildFullPrompt(agent *models.Agent, inputText string) string {
	var parts []string

	if agent.SystemPrompt != "" {
		parts = append(parts, fmt.Sprintf("<system>\n%s\n</system>\n", agent.SystemPrompt))
	}
	if agent.Personality != "" {
		parts = append(parts, fmt.Sprintf("<personality>\n%s\n</personality>\n", agent.Personality))
	}
	if len(agent.Constraints) > 0 {
		var lines []string
		for _, key := range sortedKeys(agent.Constraints) {
			lines = append(lines, fmt.Sprintf("- %s: %v", key, agent.Constraints[key]))
		}
		parts = append(parts, fmt.Sprintf("<constraints>\n%s\n</constraints>\n", strings.Join(lines, "\n")))
	}

	parts = append(parts, inputText)
	return strings.Join(parts, "\n")
}

// buildGeneratorPrompt feeds the loop generator. The first iteration is
// the raw input; later iterations carry the previous output and the
// critic's feedback.
func buildGeneratorPrompt(originalInput, currentInput, previousOutput string, iteration int) string {
	if iteration == 0 {
		return currentInput
	}
	return fmt.Sprintf(`Original request: %s

Your previous output:
%s

Feedback to incorporate:
%s

Please improve your response based on the feedback.`, originalInput, previousOutput, currentInput)
}

// buildCriticPrompt asks the loop critic to review one generation.
func buildCriticPrompt(originalInput, generatedOutput string, iteration int) string {
	return fmt.Sprintf(`Original request: %s

Generated output to review:
%s

Iteration: %d

Please review this output. Provide specific, actionable feedback.
If the output is satisfactory, respond with "APPROVED" at the start.
Otherwise, explain what needs improvement.`, originalInput, generatedOutput, iteration+1)
}

// buildPanelPrompt addresses one panelist in their declared role.
func buildPanelPrompt(agent *models.Agent, inputText string) string {
	roleContext := ""
	if agent.Role != "" {
		roleContext = fmt.Sprintf("As a %s, ", agent.Role)
	}
	return fmt.Sprintf(`%splease provide your expert perspective on the following:

%s

Focus on your area of expertise and provide specific, actionable insights.`, roleContext, inputText)
}

// panelPerspective is one panelist's contribution fed to the synthesizer.
type panelPerspective struct {
	Agent  string
	Role   string
	Output string
}

func buildSynthesisPrompt(originalInput string, perspectives []panelPerspective) string {
	var parts []string
	for _, p := range perspectives {
		role := p.Role
		if role == "" {
			role = "Expert"
		}
		parts = append(parts, fmt.Sprintf("**%s** (%s):\n%s", p.Agent, role, p.Output))
	}

	return fmt.Sprintf(`Original question: %s

Expert panel perspectives:
%s

Please synthesize these perspectives into a coherent, comprehensive response.
Identify areas of agreement, highlight key insights, and resolve any conflicts.`,
		originalInput, strings.Join(parts, "\n\n"))
}

// debateTurn is one argument in the running debate transcript.
type debateTurn struct {
	Debater  string
	Round    int
	Argument string
}

func formatDebateHistory(history []debateTurn) string {
	var parts []string
	for _, h := range history {
		parts = append(parts, fmt.Sprintf("**%s** (Round %d):\n%s", h.Debater, h.Round+1, h.Argument))
	}
	return strings.Join(parts, "\n\n")
}

func buildDebatePrompt(originalTopic string, history []debateTurn, roundNum, position int) string {
	if len(history) == 0 {
		return fmt.Sprintf(`Topic for debate: %s

You are arguing position #%d. Present your opening argument.`, originalTopic, position+1)
	}

	return fmt.Sprintf(`Topic: %s

Debate history:
%s

This is round %d. Respond to the previous arguments and strengthen your position.`,
		originalTopic, formatDebateHistory(history), roundNum+1)
}

func buildJudgePrompt(originalTopic string, history []debateTurn) string {
	return fmt.Sprintf(`Topic: %s

Full debate:
%s

As the judge, render your verdict. Evaluate the strength of arguments, evidence presented,
and logical reasoning. Declare a winner or draw, and explain your decision.`,
		originalTopic, formatDebateHistory(history))
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
