package a2a

// RoleSpec constrains a sub-agent archetype: its prompt, tool set and
// concurrency ceiling per (tenant, role).
type RoleSpec struct {
	ID            string
	SystemPrompt  string
	AllowedTools  []string
	MaxConcurrent int
}

// RolePrimary is the implicit role of the conversation-facing agent.
const RolePrimary = "primary"

// Roles is the fixed catalog of delegable archetypes.
var Roles = map[string]RoleSpec{
	"planner": {
		ID: "planner",
		SystemPrompt: "You are a planning specialist. Break the task into a concrete, " +
			"ordered plan with clear steps and dependencies. Be precise and brief; " +
			"do not execute the plan yourself.",
		AllowedTools:  []string{"query_agents"},
		MaxConcurrent: 2,
	},
	"builder": {
		ID: "builder",
		SystemPrompt: "You are an implementation specialist. Carry out the requested " +
			"task using the tools available and report exactly what you did.",
		AllowedTools: []string{
			"run_script", "http_request",
			"git_clone", "git_read_file", "git_write_file", "git_commit_push",
		},
		MaxConcurrent: 2,
	},
	"reviewer": {
		ID: "reviewer",
		SystemPrompt: "You are a review specialist. Inspect the provided work for " +
			"correctness, omissions and risks. Respond with concrete findings.",
		AllowedTools:  []string{"git_read_file", "http_request"},
		MaxConcurrent: 2,
	},
	"researcher": {
		ID: "researcher",
		SystemPrompt: "You are a research specialist. Gather the requested " +
			"information from the web and summarize it with sources.",
		AllowedTools:  []string{"web_browse", "http_request"},
		MaxConcurrent: 2,
	},
}

// LookupRole returns the RoleSpec for id.
func LookupRole(id string) (RoleSpec, bool) {
	spec, ok := Roles[id]
	return spec, ok
}
