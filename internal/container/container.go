// Copyright 2025 James Ross
package container

// Header carries routing/addressing metadata for a Container (§3.2).
type Header struct {
	SourceID    string
	SourceSubID string
	TargetID    string
	TargetSubID string
	MessageType string
}

// Container is an ordered multimap of named, typed values plus a routing
// header. It is the core payload carrier of the bus.
type Container struct {
	header Header
	values []Value
	index  map[string][]int
}

// New returns an empty container with a zero-value header.
func New() *Container {
	return &Container{index: make(map[string][]int)}
}

// NewWithHeader returns an empty container with the given header.
func NewWithHeader(h Header) *Container {
	c := New()
	c.header = h
	return c
}

// Header returns a copy of the container's header.
func (c *Container) Header() Header { return c.header }

// SetHeader replaces the container's header wholesale.
func (c *Container) SetHeader(h Header) { c.header = h }

// SwapHeader exchanges source and target identity. It is a pure header
// operation; values are untouched (§3.2 invariant).
func (c *Container) SwapHeader() {
	c.header.SourceID, c.header.TargetID = c.header.TargetID, c.header.SourceID
	c.header.SourceSubID, c.header.TargetSubID = c.header.TargetSubID, c.header.SourceSubID
}

// Add appends a value, preserving insertion order even across repeated
// names.
func (c *Container) Add(v Value) {
	idx := len(c.values)
	c.values = append(c.values, v)
	c.index[v.name] = append(c.index[v.name], idx)
}

// SetValue replaces every existing value with this name with a single new
// value, appended at the end of the container.
func (c *Container) SetValue(name string, v Value) {
	c.removeAll(name)
	c.Add(v)
}

// Remove deletes every value with the given name, returning the count
// removed.
func (c *Container) Remove(name string) int {
	return c.removeAll(name)
}

func (c *Container) removeAll(name string) int {
	idxs, ok := c.index[name]
	if !ok {
		return 0
	}
	removed := make(map[int]bool, len(idxs))
	for _, i := range idxs {
		removed[i] = true
	}
	newValues := make([]Value, 0, len(c.values)-len(idxs))
	for i, v := range c.values {
		if removed[i] {
			continue
		}
		newValues = append(newValues, v)
	}
	c.values = newValues
	delete(c.index, name)
	c.reindex()
	return len(idxs)
}

func (c *Container) reindex() {
	c.index = make(map[string][]int, len(c.index))
	for i, v := range c.values {
		c.index[v.name] = append(c.index[v.name], i)
	}
}

// GetValue returns the value at the given index (default 0) for name, or a
// canonical null value if the name is absent or the index is out of range —
// never a null pointer-equivalent (§3.2 invariant).
func (c *Container) GetValue(name string, index ...int) Value {
	i := 0
	if len(index) > 0 {
		i = index[0]
	}
	idxs, ok := c.index[name]
	if !ok || i < 0 || i >= len(idxs) {
		return NewNull(name)
	}
	return c.values[idxs[i]]
}

// ValueArray returns every value with the given name, in insertion order.
func (c *Container) ValueArray(name string) []Value {
	idxs := c.index[name]
	out := make([]Value, len(idxs))
	for i, idx := range idxs {
		out[i] = c.values[idx]
	}
	return out
}

// Size returns the total number of values held (counting repeated names
// individually).
func (c *Container) Size() int { return len(c.values) }

// Names returns the distinct value names, in first-insertion order.
func (c *Container) Names() []string {
	seen := make(map[string]bool, len(c.index))
	out := make([]string, 0, len(c.index))
	for _, v := range c.values {
		if !seen[v.name] {
			seen[v.name] = true
			out = append(out, v.name)
		}
	}
	return out
}

// Copy duplicates the container. deep=false copies only the header;
// deep=true additionally duplicates every value (recursing into nested
// containers, since Value construction for KindContainer already deep-copies
// its child).
func (c *Container) Copy(deep bool) *Container {
	out := NewWithHeader(c.header)
	if !deep {
		return out
	}
	out.values = make([]Value, len(c.values))
	copy(out.values, c.values)
	out.reindex()
	return out
}

// Equal reports whether two containers have identical headers and
// field-for-field identical values in the same order.
func (c *Container) Equal(other *Container) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.header != other.header {
		return false
	}
	if len(c.values) != len(other.values) {
		return false
	}
	for i := range c.values {
		if !c.values[i].Equal(other.values[i]) {
			return false
		}
	}
	return true
}
