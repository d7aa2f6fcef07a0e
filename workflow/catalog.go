package workflow

import (
	"fmt"
	"sort"
)

// Role is a named responsibility within a template.
type Role struct {
	ID          RoleID `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Template is a fixed, ordered sequence of roles for one task category.
type Template struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Roles []Role `json:"roles" yaml:"roles"`
}

// Role returns the role with id, if the template has one.
func (t Template) Role(id RoleID) (Role, bool) {
	for _, r := range t.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

// Template identifiers.
const (
	TemplateBuild    = "build"
	TemplateResearch = "research"
	TemplateMath     = "math"
	TemplateIdeas    = "ideas"
)

// DefaultTemplate is used when no template is configured.
const DefaultTemplate = TemplateBuild

var catalog = map[string]Template{
	TemplateBuild: {
		ID:    TemplateBuild,
		Title: "Build an App",
		Roles: []Role{
			{ID: "A", Name: "Prompt Architect", Description: "Turns the raw idea into clear objectives, scope and acceptance criteria."},
			{ID: "B", Name: "System Architect", Description: "Designs the architecture, data model and component boundaries."},
			{ID: "C", Name: "Backend Developer", Description: "Implements the server side: APIs, storage and business logic."},
			{ID: "D", Name: "Frontend Developer", Description: "Implements the user interface on top of the backend."},
			{ID: "E", Name: "QA Reviewer", Description: "Reviews the result for bugs, gaps and missed requirements."},
		},
	},
	TemplateResearch: {
		ID:    TemplateResearch,
		Title: "Deep Research",
		Roles: []Role{
			{ID: "A", Name: "Research Planner", Description: "Breaks the question into research objectives and sub-questions."},
			{ID: "B", Name: "Source Analyst", Description: "Gathers and summarizes the relevant evidence for each sub-question."},
			{ID: "C", Name: "Fact Checker", Description: "Verifies claims and flags anything unsupported or contradictory."},
			{ID: "D", Name: "Synthesizer", Description: "Combines the verified findings into one coherent answer."},
			{ID: "E", Name: "Editor", Description: "Polishes the final report for clarity and structure."},
		},
	},
	TemplateMath: {
		ID:    TemplateMath,
		Title: "Solve a Math Problem",
		Roles: []Role{
			{ID: "A", Name: "Problem Framer", Description: "Restates the problem precisely with givens, unknowns and constraints."},
			{ID: "B", Name: "Solver", Description: "Works out a complete step-by-step solution."},
			{ID: "C", Name: "Verifier", Description: "Checks every step of the solution and corrects errors."},
			{ID: "D", Name: "Explainer", Description: "Explains the verified solution in plain language."},
			{ID: "E", Name: "Reviewer", Description: "Gives a final check of the answer and explanation."},
		},
	},
	TemplateIdeas: {
		ID:    TemplateIdeas,
		Title: "Brainstorm Ideas",
		Roles: []Role{
			{ID: "A", Name: "Brief Writer", Description: "Clarifies the goal, audience and constraints of the brainstorm."},
			{ID: "B", Name: "Ideator", Description: "Generates a broad list of distinct ideas."},
			{ID: "C", Name: "Critic", Description: "Evaluates each idea and points out weaknesses."},
			{ID: "D", Name: "Refiner", Description: "Improves the strongest ideas using the critique."},
			{ID: "E", Name: "Pitch Writer", Description: "Presents the best ideas as short, persuasive pitches."},
		},
	},
}

// GetTemplate returns the template with id.
func GetTemplate(id string) (Template, error) {
	t, ok := catalog[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	// Roles is shared; hand out a copy.
	roles := make([]Role, len(t.Roles))
	copy(roles, t.Roles)
	t.Roles = roles
	return t, nil
}

// ListTemplates returns every template sorted by id.
func ListTemplates() []Template {
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Template, 0, len(ids))
	for _, id := range ids {
		t, _ := GetTemplate(id)
		out = append(out, t)
	}
	return out
}
