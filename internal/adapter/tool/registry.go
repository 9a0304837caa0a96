package tool

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"toolrun/internal/domain"
)

// registered is a tool together with its compiled input schema.
type registered struct {
	tool   domain.Tool
	schema *compiledSchema
}

// Registry holds named tools and their aliases.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registered
	aliases map[string]string
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		tools:   make(map[string]*registered),
		aliases: make(map[string]string),
		logger:  logger,
	}
}

// Register adds a tool and its aliases. The tool's schema is compiled once
// here; a schema that fails to compile rejects the tool.
func (r *Registry) Register(t domain.Tool) error {
	name := t.Name()
	schema, err := compileSchema(name, t.Schema().Parameters)
	if err != nil {
		return domain.NewSubSystemError("schema", "Registry.Register", domain.ErrInvalidInput, err.Error())
	}

	var aliases []string
	if a, ok := t.(domain.Aliased); ok {
		aliases = a.Aliases()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.takenLocked(name) {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, name)
	}
	for _, alias := range aliases {
		if alias == name || r.takenLocked(alias) {
			return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, "alias "+alias)
		}
	}

	r.tools[name] = &registered{tool: t, schema: schema}
	for _, alias := range aliases {
		r.aliases[alias] = name
	}
	r.logger.Debug("tool registered", "tool", name, "aliases", aliases)
	return nil
}

func (r *Registry) takenLocked(name string) bool {
	if _, ok := r.tools[name]; ok {
		return true
	}
	_, ok := r.aliases[name]
	return ok
}

// Resolve maps an alias to its canonical tool name. Unknown names are
// returned unchanged.
func (r *Registry) Resolve(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		return canonical
	}
	return name
}

func (r *Registry) lookup(op, name string) (*registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	reg, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrToolNotFound, name)
	}
	return reg, nil
}

// Get retrieves a tool by name or alias.
func (r *Registry) Get(name string) (domain.Tool, error) {
	reg, err := r.lookup("Registry.Get", name)
	if err != nil {
		return nil, err
	}
	return reg.tool, nil
}

// ValidateInput checks input against the tool's compiled schema.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	reg, err := r.lookup("Registry.ValidateInput", name)
	if err != nil {
		return err
	}
	if err := reg.schema.validate(input); err != nil {
		return domain.NewSubSystemError("schema", "Registry.ValidateInput", domain.ErrInvalidInput, err.Error())
	}
	return nil
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.namesLocked()
	tools := make([]domain.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

// Schemas returns all tool schemas for LLM function-calling, sorted by name.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.namesLocked()
	schemas := make([]domain.ToolSchema, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, r.tools[name].tool.Schema())
	}
	return schemas
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
