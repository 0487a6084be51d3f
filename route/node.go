package route

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/lcx/oscroute/log"
)

// Routable is implemented by every type that embeds a Node.
type Routable interface {
	RouteNode() *Node
}

// ClassCarrier is a value that carries handlers but was never initialized as
// a routing instance. Attaching one imports its class handlers with the
// value itself as owner.
type ClassCarrier interface {
	RouteClass() *Class
}

// _compose serializes every change to any address space in the process.
// Matching never takes it.
var _compose sync.Mutex

type child struct {
	value   any
	node    *Node
	carrier []Route
}

func (c *child) routes() []Route {
	if c.node != nil {
		return c.node.load().list
	}
	return c.carrier
}

type routeTable struct {
	routes map[string]Route
	list   []Route // sorted by address
	wild   []Route // registered addresses containing '*'
}

var _emptyTable = &routeTable{routes: map[string]Route{}}

func newRouteTable(routes map[string]Route) *routeTable {
	t := &routeTable{routes: routes, list: make([]Route, 0, len(routes))}
	for _, addr := range slices.Sorted(maps.Keys(routes)) {
		r := routes[addr]
		t.list = append(t.list, r)
		if hasWildcard(addr) {
			t.wild = append(t.wild, r)
		}
	}
	return t
}

// Node is an instance routing table. Embed it in a type to make the type
// routing-capable; the zero value is an empty, uninitialized table.
type Node struct {
	table atomic.Pointer[routeTable]

	// guarded by _compose
	owner       any
	class       *Class
	initialized bool
	children    map[string]*child
	parents     map[*Node]int
}

// RouteNode implements Routable.
func (n *Node) RouteNode() *Node {
	return n
}

func (n *Node) load() *routeTable {
	if t := n.table.Load(); t != nil {
		return t
	}
	return _emptyTable
}

// Init seeds the table with every handler visible on class, invoked on
// owner. Calling Init again replaces the self-declared entries. Ancestors the
// node is already attached to see the change immediately.
func (n *Node) Init(owner any, class *Class) {
	_compose.Lock()
	defer _compose.Unlock()

	n.owner = owner
	n.class = class
	n.initialized = true
	n.propagateLocked()
}

// Initialized reports whether Init has been called.
func (n *Node) Initialized() bool {
	_compose.Lock()
	defer _compose.Unlock()
	return n.initialized
}

// Owner returns the instance self-declared handlers are invoked on.
func (n *Node) Owner() any {
	_compose.Lock()
	defer _compose.Unlock()
	return n.owner
}

// Class returns the class the node was initialized with.
func (n *Node) Class() *Class {
	_compose.Lock()
	defer _compose.Unlock()
	return n.class
}

// Attach makes value reachable from parent under "/"+key:
//
//   - a Routable value is linked live: its current entries are imported
//     now, and later changes to its address space propagate to parent;
//   - a ClassCarrier imports its class handlers with the value as owner;
//   - any other value only clears what was previously attached at key.
//
// Reattaching a key replaces the previous subtree in one step, so a match
// never reaches a detached object.
func Attach(parent Routable, key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	p := parent.RouteNode()
	if p == nil {
		return fmt.Errorf("%w: parent %T has no node", ErrConfiguration, parent)
	}

	c := classify(value)

	_compose.Lock()
	defer _compose.Unlock()

	if c != nil && c.node != nil && c.node.reachesLocked(p) {
		return fmt.Errorf("%w: attaching %T under %q", ErrCycle, value, key)
	}

	p.detachLocked(key)
	if c != nil {
		if p.children == nil {
			p.children = make(map[string]*child)
		}
		p.children[key] = c
		if c.node != nil {
			if c.node.parents == nil {
				c.node.parents = make(map[*Node]int)
			}
			c.node.parents[p]++
		}
	}
	p.propagateLocked()
	return nil
}

// Detach removes whatever is attached to parent at key.
func Detach(parent Routable, key string) error {
	return Attach(parent, key, nil)
}

func classify(value any) *child {
	if value == nil {
		return nil
	}
	if r, ok := value.(Routable); ok {
		if node := r.RouteNode(); node != nil {
			_compose.Lock()
			initialized := node.initialized
			_compose.Unlock()
			if initialized {
				return &child{value: value, node: node}
			}
			if cc, ok := value.(ClassCarrier); ok {
				return carrierChild(value, cc)
			}
			return &child{value: value, node: node}
		}
	}
	if cc, ok := value.(ClassCarrier); ok {
		return carrierChild(value, cc)
	}
	return nil
}

func carrierChild(value any, cc ClassCarrier) *child {
	class := cc.RouteClass()
	if class == nil {
		return nil
	}
	routes := make([]Route, 0, len(class.visible))
	for _, addr := range slices.Sorted(maps.Keys(class.visible)) {
		routes = append(routes, Route{Address: addr, Handler: class.visible[addr], Owner: value})
	}
	return &child{value: value, carrier: routes}
}

// reachesLocked reports whether target is n or below n.
func (n *Node) reachesLocked(target *Node) bool {
	if n == target {
		return true
	}
	for _, c := range n.children {
		if c.node != nil && c.node.reachesLocked(target) {
			return true
		}
	}
	return false
}

func (n *Node) detachLocked(key string) {
	old, ok := n.children[key]
	if !ok {
		return
	}
	delete(n.children, key)
	if old.node != nil {
		old.node.parents[n]--
		if old.node.parents[n] <= 0 {
			delete(old.node.parents, n)
		}
	}
}

func (n *Node) rebuildLocked() {
	routes := make(map[string]Route)
	if n.initialized && n.class != nil {
		for addr, h := range n.class.visible {
			routes[addr] = Route{Address: addr, Handler: h, Owner: n.owner}
		}
	}
	self := len(routes)

	for _, key := range slices.Sorted(maps.Keys(n.children)) {
		prefix := "/" + key
		for _, r := range n.children[key].routes() {
			addr := prefix + r.Address
			if existing, taken := routes[addr]; taken && self > 0 {
				if _, declared := n.class.visible[addr]; declared {
					log.Warn().Str("address", addr).Str("declared", existing.Handler.Name()).
						Str("imported", r.Handler.Name()).Msg("self-declared handler shadows imported route")
					continue
				}
			}
			routes[addr] = Route{Address: addr, Handler: r.Handler, Owner: r.Owner}
		}
	}
	n.table.Store(newRouteTable(routes))
}

func (n *Node) propagateLocked() {
	n.rebuildLocked()
	for p := range n.parents {
		p.propagateLocked()
	}
}

// Child returns the value attached at key.
func (n *Node) Child(key string) (any, bool) {
	_compose.Lock()
	defer _compose.Unlock()
	c, ok := n.children[key]
	if !ok {
		return nil, false
	}
	return c.value, true
}

// Keys returns the attachment keys in order.
func (n *Node) Keys() []string {
	_compose.Lock()
	defer _compose.Unlock()
	return slices.Sorted(maps.Keys(n.children))
}

// Routes returns a snapshot of the table sorted by address.
func (n *Node) Routes() []Route {
	return slices.Clone(n.load().list)
}

// Lookup returns the route registered exactly at address.
func (n *Node) Lookup(address string) (Route, bool) {
	r, ok := n.load().routes[address]
	return r, ok
}

// Len returns the number of routes.
func (n *Node) Len() int {
	return len(n.load().list)
}
