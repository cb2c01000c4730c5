package pipeline

import (
	"fmt"
	"strings"
)

// FixFraming introduces analyzer output in a repair prompt.
const FixFraming = "The previous version failed static analysis. Please fix these errors:"

// PlanInstruction turns a prompt into an explanation-only request.
const PlanInstruction = "Do not write any code files. Explain, step by step, how you would implement this request with the vendor SDK and which files you would change."

// BuildPrompt assembles the model prompt. Earlier prompts come first, oldest
// first, then the project context, then the current request and, for a
// repair turn, the diagnostics to fix. Earlier prompts are kept verbatim;
// empty parts are left out.
func BuildPrompt(history []string, analysisContext, request, diagnostics string) string {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("Previous requests in this session:\n")
		for i, h := range history {
			fmt.Fprintf(&b, "%d. %s\n", i+1, h)
		}
		b.WriteString("\n")
	}

	if ctx := strings.TrimSpace(analysisContext); ctx != "" {
		b.WriteString("Existing project context:\n")
		b.WriteString(ctx)
		b.WriteString("\n\n")
	}

	b.WriteString("Current request:\n")
	b.WriteString(strings.TrimSpace(request))

	if diag := strings.TrimSpace(diagnostics); diag != "" {
		b.WriteString("\n\n")
		b.WriteString(FixFraming)
		b.WriteString("\n")
		b.WriteString(diag)
	}
	return b.String()
}

// buildPlanPrompt is BuildPrompt plus PlanInstruction.
func buildPlanPrompt(history []string, analysisContext, request string) string {
	return BuildPrompt(history, analysisContext, request, "") + "\n\n" + PlanInstruction
}
