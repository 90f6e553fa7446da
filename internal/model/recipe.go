package model

// Recipe declares the prompts, input documents, and token budget for one
// LLM call, loaded from a recipe YAML file by internal/docpack.
type Recipe struct {
	Name            string          `yaml:"name" json:"name"`
	PromptFragments []string        `yaml:"prompt_fragments" json:"prompt_fragments"`
	InputDocs       []InputDocSpec  `yaml:"input_docs" json:"input_docs"`
	TokenBudget     TokenBudget     `yaml:"token_budget" json:"token_budget"`
	TrimmingStrategy *TrimmingStrategy `yaml:"trimming_strategy,omitempty" json:"trimming_strategy,omitempty"`
	LLMParams       LLMParams       `yaml:"llm_params" json:"llm_params"`
}

// InputDocSpec describes one input document a Pack pulls in.
type InputDocSpec struct {
	Path      string `yaml:"path" json:"path"`
	PathType  string `yaml:"path_type" json:"path_type"` // turn_local | repo_relative | absolute | session_scoped
	MaxTokens int    `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Optional  bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// TokenBudget bounds the total tokens a pack may spend.
type TokenBudget struct {
	Total  int `yaml:"total" json:"total"`
	Output int `yaml:"output" json:"output"`
	Buffer int `yaml:"buffer" json:"buffer"`
}

// TrimmingStrategy governs the final trimming pass when a pack still
// exceeds budget after per-doc compression.
type TrimmingStrategy struct {
	Method   string   `yaml:"method" json:"method"` // truncate_end | drop_oldest | summarize
	Priority []string `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// LLMParams are raw sampling params the recipe pins for its call.
type LLMParams struct {
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

const (
	PathTypeTurnLocal     = "turn_local"
	PathTypeRepoRelative  = "repo_relative"
	PathTypeAbsolute      = "absolute"
	PathTypeSessionScoped = "session_scoped"
)
