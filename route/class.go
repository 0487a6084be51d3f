package route

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ClassTable files every handler visible on a class under the class that
// declared it: declaring class name -> address -> handler.
type ClassTable map[string]map[string]*Handler

// Class is the immutable handler table of one routing-capable type.
type Class struct {
	name    string
	own     map[string]*Handler
	parents []*Class
	mro     []*Class
	table   ClassTable
	visible map[string]*Handler
}

var (
	_classMu sync.RWMutex
	_classes = make(map[string]*Class)
)

// RegisterClass builds the handler table of a type from its own handlers
// and the tables of its parents. Classes are searched in C3 order (the class
// itself, then parents left to right, a shared ancestor after every class
// that inherits it) and the first class declaring an address wins, so a
// handler shadows the same address of any class it inherits from.
func RegisterClass(name string, handlers []*Handler, parents ...*Class) (*Class, error) {
	c, err := newClass(name, handlers, parents)
	if err != nil {
		return nil, err
	}

	_classMu.Lock()
	defer _classMu.Unlock()
	if _, exists := _classes[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateClass, name)
	}
	_classes[name] = c
	return c, nil
}

// MustRegisterClass is RegisterClass for package-level declarations; it
// panics on a configuration error.
func MustRegisterClass(name string, handlers []*Handler, parents ...*Class) *Class {
	c, err := RegisterClass(name, handlers, parents...)
	if err != nil {
		panic(err)
	}
	return c
}

// LookupClass returns a class registered under name.
func LookupClass(name string) (*Class, bool) {
	_classMu.RLock()
	defer _classMu.RUnlock()
	c, ok := _classes[name]
	return c, ok
}

// NewAnonymousClass builds a class that is not entered in the process
// registry, for one-off handler bundles.
func NewAnonymousClass(name string, handlers ...*Handler) (*Class, error) {
	return newClass(name, handlers, nil)
}

// Extend builds an unregistered class that declares handlers on top of
// base, which may be nil.
func Extend(name string, base *Class, handlers ...*Handler) (*Class, error) {
	return newClass(name, handlers, []*Class{base})
}

func newClass(name string, handlers []*Handler, parents []*Class) (*Class, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: class name is empty", ErrConfiguration)
	}

	own := make(map[string]*Handler, len(handlers))
	for _, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("%w: class %s has a nil handler", ErrConfiguration, name)
		}
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("class %s handler %s: %w", name, h.Name(), err)
		}
		if prev, dup := own[h.Address()]; dup {
			return nil, fmt.Errorf("%w: class %s declares %s twice (%s, %s)",
				ErrDuplicateAddress, name, h.Address(), prev.Name(), h.Name())
		}
		own[h.Address()] = h
	}

	c := &Class{
		name:    name,
		own:     own,
		parents: slices.DeleteFunc(slices.Clone(parents), func(p *Class) bool { return p == nil }),
	}
	mro, err := linearize(c)
	if err != nil {
		return nil, err
	}
	c.mro = mro
	c.table, c.visible = c.build()
	return c, nil
}

// linearize computes the C3 search order of c from its parents' orders.
func linearize(c *Class) ([]*Class, error) {
	seqs := make([][]*Class, 0, len(c.parents)+1)
	for _, p := range c.parents {
		seqs = append(seqs, slices.Clone(p.mro))
	}
	seqs = append(seqs, slices.Clone(c.parents))

	out := []*Class{c}
	for {
		seqs = slices.DeleteFunc(seqs, func(s []*Class) bool { return len(s) == 0 })
		if len(seqs) == 0 {
			return out, nil
		}

		var head *Class
		for _, s := range seqs {
			if !inTail(s[0], seqs) {
				head = s[0]
				break
			}
		}
		if head == nil {
			return nil, fmt.Errorf("%w: class %s has no consistent parent order", ErrConfiguration, c.name)
		}

		out = append(out, head)
		for i := range seqs {
			if seqs[i][0] == head {
				seqs[i] = seqs[i][1:]
			}
		}
	}
}

func inTail(k *Class, seqs [][]*Class) bool {
	for _, s := range seqs {
		if slices.Contains(s[1:], k) {
			return true
		}
	}
	return false
}

func (c *Class) build() (ClassTable, map[string]*Handler) {
	table := make(ClassTable)
	visible := make(map[string]*Handler)

	for _, k := range c.mro {
		filed := make(map[string]*Handler)
		for addr, h := range k.own {
			if _, shadowed := visible[addr]; shadowed {
				continue
			}
			visible[addr] = h
			filed[addr] = h
		}
		if len(filed) > 0 || k == c {
			table[k.name] = filed
		}
	}
	return table, visible
}

// Name returns the class name.
func (c *Class) Name() string { return c.name }

// Order returns the class search order, starting with c.
func (c *Class) Order() []*Class { return slices.Clone(c.mro) }

// Parents returns the direct parents in declaration order.
func (c *Class) Parents() []*Class { return slices.Clone(c.parents) }

// Table returns a copy of the class table.
func (c *Class) Table() ClassTable {
	out := make(ClassTable, len(c.table))
	for k, v := range c.table {
		out[k] = maps.Clone(v)
	}
	return out
}

// Handlers returns every handler visible on the class, keyed by address.
func (c *Class) Handlers() map[string]*Handler {
	return maps.Clone(c.visible)
}

// Handler returns the visible handler for address.
func (c *Class) Handler(address string) (*Handler, bool) {
	h, ok := c.visible[address]
	return h, ok
}
