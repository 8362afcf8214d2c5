// Package layout decodes and encodes binary formats from declarative
// descriptions.
//
// A format is described once as a tree of Field descriptors: primitives
// (integers, flags, byte runs, text, floats, magic constants, padding) and
// combinators (Sequence, Array, Conditional, Optional, Chunk). An Engine runs
// the tree in either direction: Decode turns bytes into a Context, an ordered
// nested mapping that remembers the bit offset and width of every value, and
// Encode turns a Context back into bytes. A layout that covers its input
// round-trips bit exactly.
//
// Descriptors can be built in Go or compiled from YAML layout files; see
// Layout. Lengths, counts, and presence conditions may reference previously
// decoded fields directly or through expressions evaluated against the
// decoded context.
package layout
