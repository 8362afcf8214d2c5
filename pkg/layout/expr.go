package layout

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprPool caches compiled expr-lang programs keyed by source text, so a
// descriptor reused across many decode calls compiles each expression once.
// Safe for concurrent use.
type ExprPool struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewExprPool creates an empty pool.
func NewExprPool() *ExprPool {
	return &ExprPool{programs: make(map[string]*vm.Program)}
}

// defaultExprPool backs the expression-taking constructors; descriptors built
// from the same source strings share compiled programs.
var defaultExprPool = NewExprPool()

// Get retrieves or compiles a program for the given expression source.
// Variables are left undeclared at compile time; they resolve against the
// decode-time environment built from the context chain.
func (p *ExprPool) Get(src string) (*vm.Program, error) {
	p.mu.RLock()
	if program, ok := p.programs[src]; ok {
		p.mu.RUnlock()
		return program, nil
	}
	p.mu.RUnlock()

	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", src, err)
	}

	p.mu.Lock()
	p.programs[src] = program
	p.mu.Unlock()
	return program, nil
}

// Eval runs a compiled program against an environment.
func (p *ExprPool) Eval(program *vm.Program, env map[string]any) (any, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return out, nil
}

// exprEnv builds the evaluation environment for a predicate, count, or
// length expression: every entry decoded so far in the current context chain
// (inner scopes shadow outer ones), the enclosing scope under _parent, the
// root scope under _root, and remaining() for the bits left in the bounded
// region the cursor is reading.
func exprEnv(c *Context, cur *Cursor, extra map[string]any) map[string]any {
	vars := make(map[string]any)

	var chain []*Context
	for scope := c; scope != nil; scope = scope.parent {
		chain = append(chain, scope)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		scope := chain[i]
		if scope.list {
			continue
		}
		for _, e := range scope.entries {
			vars[e.Name] = flattenValue(e.Value)
		}
	}

	if c != nil && c.parent != nil {
		vars["_parent"] = scopeVars(c.parent)
	}
	if len(chain) > 0 {
		vars["_root"] = scopeVars(chain[len(chain)-1])
	}
	if cur != nil {
		vars["remaining"] = func() int64 { return cur.RemainingBits() }
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

func scopeVars(c *Context) map[string]any {
	vars := make(map[string]any, len(c.entries))
	for _, e := range c.entries {
		vars[e.Name] = flattenValue(e.Value)
	}
	return vars
}
