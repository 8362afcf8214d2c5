package layout

import (
	"strconv"
)

// Absent is the marker value recorded for a conditional field whose presence
// predicate was false, when the conditional is configured to mark absence
// explicitly instead of omitting the entry.
var Absent = absentValue{}

type absentValue struct{}

func (absentValue) String() string { return "<absent>" }

// Entry is one decoded value with its provenance: the absolute bit offset and
// bit length it was decoded from, and the descriptor that produced it. Entry
// values are primitives ([]byte, uint64, int64, bool, float64, string), a
// nested *Context, or Absent.
type Entry struct {
	Name   string
	Value  any
	Offset int64 // absolute bit offset in the source buffer
	Width  int64 // bit length consumed
	Field  Field // descriptor that produced this entry; nil for synthetic entries
}

// AsContext returns the entry's value as a nested context, if it is one.
func (e *Entry) AsContext() (*Context, bool) {
	c, ok := e.Value.(*Context)
	return c, ok
}

// End returns the first bit offset past the entry.
func (e *Entry) End() int64 { return e.Offset + e.Width }

// Context is the ordered, nested result of a decode pass: a mapping from
// field name to decoded entry, preserving insertion order, which is the
// canonical decode and encode order. A Context may itself be the value of an
// entry in a parent Context; array results are list-shaped contexts whose
// entries are keyed by decimal index.
//
// Name lookups walk the parent chain, so a field's predicate or length
// reference can see previously decoded values in any enclosing scope.
type Context struct {
	name    string
	parent  *Context
	list    bool
	entries []*Entry
	index   map[string]int
}

// NewContext creates an empty root context.
func NewContext(name string) *Context {
	return &Context{name: name, index: make(map[string]int)}
}

// child creates a nested context that can see this context's entries through
// Lookup but is not yet recorded as an entry. Combinators attach the child
// via Put only after it decodes successfully, keeping failed decodes out of
// the tree.
func (c *Context) child(name string, list bool) *Context {
	return &Context{name: name, parent: c, list: list, index: make(map[string]int)}
}

// Name returns the context's own name (the combinator field that produced it).
func (c *Context) Name() string { return c.name }

// Parent returns the enclosing context, or nil for the root.
func (c *Context) Parent() *Context { return c.parent }

// IsList reports whether this context holds array elements keyed by index.
func (c *Context) IsList() bool { return c.list }

// Len returns the number of entries.
func (c *Context) Len() int { return len(c.entries) }

// At returns the i-th entry in insertion order.
func (c *Context) At(i int) *Entry { return c.entries[i] }

// Entries returns the entries in insertion order. The slice is shared; do
// not mutate.
func (c *Context) Entries() []*Entry { return c.entries }

// Keys returns the entry names in insertion order.
func (c *Context) Keys() []string {
	keys := make([]string, len(c.entries))
	for i, e := range c.entries {
		keys[i] = e.Name
	}
	return keys
}

// Put records a decoded value under name with its provenance and returns the
// entry. Duplicate names are renamed with a "_N" suffix so entries never
// collide; list contexts ignore the given name and key by decimal index.
func (c *Context) Put(name string, value any, offset, width int64, f Field) *Entry {
	key := name
	if c.list {
		key = strconv.Itoa(len(c.entries))
	} else if _, taken := c.index[key]; taken {
		for i := 1; ; i++ {
			key = name + "_" + strconv.Itoa(i)
			if _, taken := c.index[key]; !taken {
				break
			}
		}
	}
	e := &Entry{Name: key, Value: value, Offset: offset, Width: width, Field: f}
	c.index[key] = len(c.entries)
	c.entries = append(c.entries, e)
	if nested, ok := value.(*Context); ok {
		nested.parent = c
	}
	return e
}

// Get returns the entry recorded under name in this context only.
func (c *Context) Get(name string) (*Entry, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.entries[i], true
}

// Lookup resolves name in this context or, failing that, any enclosing
// context. Only values decoded before the lookup point are visible, since
// entries are recorded in decode order.
func (c *Context) Lookup(name string) (*Entry, bool) {
	for scope := c; scope != nil; scope = scope.parent {
		if e, ok := scope.Get(name); ok {
			return e, true
		}
	}
	return nil, false
}

// ToMap flattens the context tree to plain Go values: map[string]any for
// struct contexts, []any for list contexts. Absent markers become nil.
func (c *Context) ToMap() any {
	if c.list {
		out := make([]any, len(c.entries))
		for i, e := range c.entries {
			out[i] = flattenValue(e.Value)
		}
		return out
	}
	out := make(map[string]any, len(c.entries))
	for _, e := range c.entries {
		out[e.Name] = flattenValue(e.Value)
	}
	return out
}

func flattenValue(v any) any {
	switch val := v.(type) {
	case *Context:
		return val.ToMap()
	case absentValue:
		return nil
	default:
		return v
	}
}

// singletonView wraps one entry in a throwaway context keyed by the given
// name, with the same enclosing scope. Array encode uses this to present
// index-keyed elements to the element descriptor under its own name.
func singletonView(name string, e *Entry, parent *Context) *Context {
	view := &Context{name: name, parent: parent, index: make(map[string]int)}
	view.index[name] = 0
	view.entries = append(view.entries, &Entry{Name: name, Value: e.Value, Offset: e.Offset, Width: e.Width, Field: e.Field})
	return view
}
