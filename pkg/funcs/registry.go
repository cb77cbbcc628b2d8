// Package funcs holds the declared-function registry: user-supplied Go
// functions exposed to the model as tools, looked up and invoked by name
// when the service issues a tool call.
package funcs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/genai"
)

// Handler executes one declared function. The args map carries the
// model-chosen arguments decoded from the tool call; the returned map is
// serialized back verbatim as the function response body.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

type entry struct {
	decl *genai.FunctionDeclaration
	fn   Handler
}

// Registry maps function names to declarations and handlers. Registration
// happens at startup; Invoke is called concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds a handler to its declaration. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(decl *genai.FunctionDeclaration, fn Handler) error {
	if decl == nil || decl.Name == "" {
		return fmt.Errorf("function declaration requires a name")
	}
	if fn == nil {
		return fmt.Errorf("function %q requires a handler", decl.Name)
	}
	r.mu.Lock()
	r.entries[decl.Name] = entry{decl: decl, fn: fn}
	r.mu.Unlock()
	return nil
}

// Declarations returns the registered declarations in name order, for use
// in the session setup message.
func (r *Registry) Declarations() []*genai.FunctionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make([]*genai.FunctionDeclaration, 0, len(r.entries))
	for _, e := range r.entries {
		decls = append(decls, e.decl)
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

// Len reports how many functions are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Invoke runs the named function. An unknown name is an error; the caller
// decides how to reflect it back to the service.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("function %q not found", name)
	}
	return e.fn(ctx, args)
}

// stringArg extracts a required string argument from a tool-call args map.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q is not a string", key)
	}
	return s, nil
}
