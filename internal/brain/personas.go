package brain

// Persona is a named template of prompt/model/parameters, process-wide and
// referenced by name rather than owned per-agent.
type Persona struct {
	Name              string
	Description       string
	SystemPrompt      string
	PreferredProvider string
	PreferredModel    string
	Temperature       float64
	MaxTokens         int
	Capabilities      []string
}

// PersonaStore holds the process-wide persona templates.
type PersonaStore struct {
	personas map[string]Persona
}

// NewPersonaStore constructs the store seeded with the four default
// personas fixed at startup: general_assistant, code_assistant,
// creative_writer, analyst.
func NewPersonaStore() *PersonaStore {
	store := &PersonaStore{personas: make(map[string]Persona)}
	for _, p := range defaultPersonas() {
		store.personas[p.Name] = p
	}
	return store
}

func defaultPersonas() []Persona {
	return []Persona{
		{
			Name:              "general_assistant",
			Description:       "General-purpose helpful assistant",
			SystemPrompt:      "You are a helpful, concise assistant.",
			PreferredProvider: "remote",
			PreferredModel:    "gpt-4o-mini",
			Temperature:       0.7,
			MaxTokens:         1024,
			Capabilities:      []string{"chat", "qa"},
		},
		{
			Name:              "code_assistant",
			Description:       "Coding-focused assistant",
			SystemPrompt:      "You are an expert software engineer. Answer with precise, working code.",
			PreferredProvider: "remote",
			PreferredModel:    "gpt-4o",
			Temperature:       0.2,
			MaxTokens:         2048,
			Capabilities:      []string{"code", "review"},
		},
		{
			Name:              "creative_writer",
			Description:       "Creative writing assistant",
			SystemPrompt:      "You are an imaginative creative writer.",
			PreferredProvider: "remote",
			PreferredModel:    "gpt-4o",
			Temperature:       1.0,
			MaxTokens:         2048,
			Capabilities:      []string{"writing"},
		},
		{
			Name:              "analyst",
			Description:       "Data and reasoning analyst",
			SystemPrompt:      "You are a rigorous analyst. Show your reasoning briefly before conclusions.",
			PreferredProvider: "local",
			PreferredModel:    "llama3",
			Temperature:       0.3,
			MaxTokens:         1536,
			Capabilities:      []string{"analysis"},
		},
	}
}

// Get looks up a persona by name.
func (s *PersonaStore) Get(name string) (Persona, bool) {
	p, ok := s.personas[name]
	return p, ok
}

// Register adds or replaces a persona template.
func (s *PersonaStore) Register(p Persona) {
	s.personas[p.Name] = p
}

// SelectForAgent is the pure function from (type_tag, override) to
// persona, replacing the inheritance-based agent
// hierarchy's persona selection. Callers pass an explicit override first;
// falling through to a type_tag-keyed convention, then the general
// assistant.
func (s *PersonaStore) SelectForAgent(typeTag string, override string) Persona {
	if override != "" {
		if p, ok := s.Get(override); ok {
			return p
		}
	}
	switch typeTag {
	case "specialist", "custom_gpt":
		if p, ok := s.Get("code_assistant"); ok {
			return p
		}
	case "analyst":
		if p, ok := s.Get("analyst"); ok {
			return p
		}
	}
	p, _ := s.Get("general_assistant")
	return p
}
