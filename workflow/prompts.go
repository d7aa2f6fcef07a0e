package workflow

import (
	"fmt"
	"strings"
)

// RefinementLabel separates the original request from requirements added
// while the first stage awaits a decision.
const RefinementLabel = "Additional requirements:"

// RenderKickoff builds the prompt for the first stage. The user's request is
// embedded verbatim.
func RenderKickoff(t Template, role Role, request string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the %s in a \"%s\" workflow.\n", role.Name, t.Title)
	fmt.Fprintf(&sb, "Your responsibility: %s\n\n", role.Description)
	sb.WriteString("Restructure the request below into a numbered list of clear objectives ")
	sb.WriteString("that the following roles can work from. Keep every requirement the user stated.\n\n")
	sb.WriteString("Request:\n")
	sb.WriteString(request)
	return sb.String()
}

// RenderHandoff builds the prompt for a later stage from the previous
// stage's output. The output is forwarded in full, never summarized.
func RenderHandoff(next Role, previous Role, output string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the %s.\n", next.Name)
	fmt.Fprintf(&sb, "Your responsibility: %s\n\n", next.Description)
	fmt.Fprintf(&sb, "The %s produced the work below. Continue from it in your role.\n\n", previous.Name)
	sb.WriteString("Previous output:\n")
	sb.WriteString(output)
	return sb.String()
}

// Refine appends extra requirements to the first stage's request.
func Refine(request, extra string) string {
	return request + "\n\n" + RefinementLabel + "\n" + extra
}
