package route

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type led struct {
	Node
	name    string
	toggles int
	args    []any
}

func (l *led) toggle(args ...any) error {
	l.toggles++
	l.args = args
	return nil
}

var _ledClass = MustRegisterClass("test.led", []*Handler{
	Method("toggle", (*led).toggle),
	Method("level", func(l *led, args ...any) error { l.args = args; return nil }, WithSender()),
})

type panel struct {
	Node
	resets int
}

var _panelClass = MustRegisterClass("test.panel", []*Handler{
	Method("reset", func(p *panel, _ ...any) error { p.resets++; return nil }),
})

func newLED(name string) *led {
	l := &led{name: name}
	l.Init(l, _ledClass)
	return l
}

func newPanel() *panel {
	p := &panel{}
	p.Init(p, _panelClass)
	return p
}

func addresses(routes []Route) []string {
	out := make([]string, len(routes))
	for i, r := range routes {
		out[i] = r.Address
	}
	return out
}

func TestHandlerAddressNormalization(t *testing.T) {
	tests := []struct {
		name string
		h    *Handler
		want string
	}{
		{"bare name", Func("volume", nil), "/volume"},
		{"alias without slash", Func("volume", nil, WithAlias("mixer/vol")), "/mixer/vol"},
		{"alias with slash", Func("volume", nil, WithAlias("/mixer/vol")), "/mixer/vol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.h.Address())
		})
	}
}

func TestHandlerOptions(t *testing.T) {
	h := Func("x", func(...any) error { return nil }, WithPriority(3), WithOption("group", "fx"), WithSender())
	assert.Equal(t, 3, h.Priority())
	assert.True(t, h.PassSender())
	v, ok := h.Option("group")
	assert.True(t, ok)
	assert.Equal(t, "fx", v)

	opts := h.Options()
	opts["group"] = "changed"
	v, _ = h.Option("group")
	assert.Equal(t, "fx", v)
}

func TestValidateAddress(t *testing.T) {
	valid := []string{"/a", "/a/b", "/ch*/vol", "/a_b-c.d", "/x+y"}
	for _, addr := range valid {
		assert.NoError(t, ValidateAddress(addr), addr)
	}
	invalid := []string{"", "/", "a", "/a/", "/a//b", "/a b", "/a?", "/a#", "/a,b", "/[ab]", "/{a,b}", "/a\tb"}
	for _, addr := range invalid {
		err := ValidateAddress(addr)
		assert.ErrorIs(t, err, ErrInvalidAddress, addr)
		assert.ErrorIs(t, err, ErrConfiguration, addr)
	}
}

func TestRegisterClassErrors(t *testing.T) {
	noop := func(...any) error { return nil }

	_, err := RegisterClass("test.dup-address", []*Handler{Func("a", noop), Func("b", noop, WithAlias("a"))})
	assert.ErrorIs(t, err, ErrDuplicateAddress)

	_, err = RegisterClass("test.bad-address", []*Handler{Func("a", noop, WithAlias("/a b"))})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = RegisterClass("", nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = RegisterClass("test.led", nil)
	assert.ErrorIs(t, err, ErrDuplicateClass)

	assert.Panics(t, func() { MustRegisterClass("test.led", nil) })

	c, ok := LookupClass("test.led")
	require.True(t, ok)
	assert.Same(t, _ledClass, c)
}

func TestClassTableProvenance(t *testing.T) {
	noop := func(...any) error { return nil }
	base := MustRegisterClass("test.base", []*Handler{Func("ping", noop), Func("reset", noop)})
	left := MustRegisterClass("test.left", []*Handler{Func("left", noop)}, base)
	right := MustRegisterClass("test.right", []*Handler{Func("right", noop), Func("ping", noop, WithAlias("ping"))}, base)
	leaf := MustRegisterClass("test.leaf", []*Handler{Func("reset", noop)}, left, right)

	table := leaf.Table()
	assert.Equal(t, []string{"/reset"}, keys(table["test.leaf"]))
	assert.Equal(t, []string{"/left"}, keys(table["test.left"]))
	// right overrides base's /ping and is searched before the shared base,
	// which has nothing left to contribute.
	assert.ElementsMatch(t, []string{"/ping", "/right"}, keys(table["test.right"]))
	_, filed := table["test.base"]
	assert.False(t, filed)
	assert.Equal(t, []*Class{leaf, left, right, base}, leaf.Order())

	h, ok := leaf.Handler("/reset")
	require.True(t, ok)
	assert.Same(t, leaf.own["/reset"], h)
	assert.Len(t, leaf.Handlers(), 4)

	// idempotent: repeated calls yield equal tables, and copies are independent.
	again := leaf.Table()
	assert.Equal(t, table, again)
	delete(again["test.leaf"], "/reset")
	assert.Equal(t, table, leaf.Table())
}

func TestRegisterClassInconsistentOrder(t *testing.T) {
	a := MustRegisterClass("test.order-a", nil)
	b := MustRegisterClass("test.order-b", nil, a)
	_, err := RegisterClass("test.order-c", nil, a, b)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func keys(m map[string]*Handler) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestInitSeedsFromClass(t *testing.T) {
	l := newLED("a")
	assert.Equal(t, []string{"/level", "/toggle"}, addresses(l.Routes()))

	r, ok := l.Lookup("/toggle")
	require.True(t, ok)
	assert.Same(t, l, r.Owner)
	require.NoError(t, r.Invoke(nil, []any{int32(1)}))
	assert.Equal(t, 1, l.toggles)
}

func TestAttachImportsWithOwner(t *testing.T) {
	p := newPanel()
	l := newLED("b")
	require.NoError(t, Attach(p, "led", l))

	routes := p.Match("/led/toggle")
	require.Len(t, routes, 1)
	assert.Same(t, l, routes[0].Owner)
	require.NoError(t, routes[0].Invoke(nil, []any{"on"}))
	assert.Equal(t, 1, l.toggles)
	assert.Equal(t, []any{"on"}, l.args)

	child, ok := p.Child("led")
	assert.True(t, ok)
	assert.Same(t, l, child)
	assert.Equal(t, []string{"led"}, p.Keys())
}

func TestAttachIsTransitive(t *testing.T) {
	l := newLED("x")
	mixer := newPanel()
	outer := newPanel()

	require.NoError(t, Attach(mixer, "led", l))
	require.NoError(t, Attach(outer, "mixer", mixer))
	assert.Len(t, outer.Match("/mixer/led/toggle"), 1)

	// later changes below an attached node reach every ancestor
	l2 := newLED("y")
	require.NoError(t, Attach(mixer, "led2", l2))
	routes := outer.Match("/mixer/led2/toggle")
	require.Len(t, routes, 1)
	assert.Same(t, l2, routes[0].Owner)

	require.NoError(t, Detach(mixer, "led"))
	assert.Empty(t, outer.Match("/mixer/led/toggle"))
	assert.Len(t, outer.Match("/mixer/reset"), 1)
}

func TestReattachReplacesSubtree(t *testing.T) {
	p := newPanel()
	first := newLED("first")
	second := newLED("second")

	require.NoError(t, Attach(p, "led", first))
	require.NoError(t, Attach(p, "led", second))

	routes := p.Match("/led/toggle")
	require.Len(t, routes, 1)
	assert.Same(t, second, routes[0].Owner)

	// the detached node no longer propagates into p
	extra := newLED("extra")
	require.NoError(t, Attach(first, "sub", extra))
	assert.Empty(t, p.Match("/led/sub/toggle"))

	// a plain value clears the key
	require.NoError(t, Attach(p, "led", 42))
	assert.Empty(t, p.Match("/led/toggle"))
	v, ok := p.Child("led")
	assert.False(t, ok)
	assert.Nil(t, v)
}

type bundle struct {
	calls int
}

var _bundleClass = MustRegisterClass("test.bundle", []*Handler{
	Method("hit", func(b *bundle, _ ...any) error { b.calls++; return nil }),
})

func (b *bundle) RouteClass() *Class { return _bundleClass }

func TestAttachClassCarrier(t *testing.T) {
	p := newPanel()
	b := &bundle{}
	require.NoError(t, Attach(p, "pads", b))

	routes := p.Match("/pads/hit")
	require.Len(t, routes, 1)
	assert.Same(t, b, routes[0].Owner)
	require.NoError(t, routes[0].Invoke(nil, nil))
	assert.Equal(t, 1, b.calls)
}

func TestAttachUninitializedNodeFillsLater(t *testing.T) {
	p := newPanel()
	l := &led{}
	require.NoError(t, Attach(p, "led", l))
	assert.Empty(t, p.Match("/led/toggle"))

	l.Init(l, _ledClass)
	assert.Len(t, p.Match("/led/toggle"), 1)
}

func TestAttachErrors(t *testing.T) {
	p := newPanel()
	for _, key := range []string{"", "a/b", "a b", "a*", "a?"} {
		assert.ErrorIs(t, Attach(p, key, newLED("k")), ErrInvalidKey, key)
	}

	assert.ErrorIs(t, Attach(p, "self", p), ErrCycle)

	child := newPanel()
	require.NoError(t, Attach(p, "child", child))
	assert.ErrorIs(t, Attach(child, "parent", p), ErrCycle)
}

type conflicted struct {
	Node
	hits int
}

var _conflictedClass = MustRegisterClass("test.conflicted", []*Handler{
	Method("own", func(c *conflicted, _ ...any) error { c.hits++; return nil }, WithAlias("/led/toggle")),
})

func TestSelfDeclaredWinsOverImport(t *testing.T) {
	c := &conflicted{}
	c.Init(c, _conflictedClass)
	require.NoError(t, Attach(c, "led", newLED("shadowed")))

	routes := c.Match("/led/toggle")
	require.Len(t, routes, 1)
	assert.Same(t, c, routes[0].Owner)
	assert.Len(t, c.Match("/led/level"), 1)
}

func TestInvokeWithSenderAndReceiverMismatch(t *testing.T) {
	l := newLED("s")
	r, ok := l.Lookup("/level")
	require.True(t, ok)
	require.NoError(t, r.Invoke("10.0.0.1:9000", []any{float32(0.5)}))
	assert.Equal(t, []any{"10.0.0.1:9000", float32(0.5)}, l.args)

	wrong := Route{Address: r.Address, Handler: r.Handler, Owner: &panel{}}
	err := wrong.Invoke(nil, nil)
	assert.True(t, errors.Is(err, ErrReceiverType))
}

type matchOwner struct{ Node }

func newMatchNode(t *testing.T, name string, addrs ...string) *matchOwner {
	t.Helper()
	handlers := make([]*Handler, len(addrs))
	for i, a := range addrs {
		handlers[i] = Func(a, func(...any) error { return nil }, WithAlias(a))
	}
	c, err := NewAnonymousClass(name, handlers...)
	require.NoError(t, err)
	m := &matchOwner{}
	m.Init(m, c)
	return m
}

func TestMatch(t *testing.T) {
	m := newMatchNode(t, "matcher", "/ch1/vol", "/ch2/vol", "/ch12/vol", "/ch*/vol", "/ch1/pan", "/fx/a+b", "/all*")

	tests := []struct {
		name    string
		address string
		want    []string
	}{
		{"exact", "/ch1/pan", []string{"/ch1/pan"}},
		{"exact plus registered wildcard", "/ch1/vol", []string{"/ch1/vol", "/ch*/vol"}},
		{"registered wildcard only", "/ch7/vol", []string{"/ch*/vol"}},
		{"registered wildcard empty run", "/ch/vol", []string{"/ch*/vol"}},
		{"registered wildcard trailing run", "/allthings", []string{"/all*"}},
		{"registered wildcard spans segments", "/all/the/things", []string{"/all*"}},
		{"registered wildcard matches prefix", "/ch1/vol/fine", []string{"/ch*/vol"}},
		{"inbound question mark", "/ch?/vol", []string{"/ch*/vol", "/ch1/vol", "/ch2/vol"}},
		{"inbound star", "/ch*/vol", []string{"/ch*/vol"}},
		{"inbound star matches plus", "/fx/*", []string{"/fx/a+b"}},
		{"inbound star no exact", "/c*/vol", []string{"/ch1/vol", "/ch12/vol", "/ch2/vol"}},
		{"miss", "/ch1/mute", nil},
		{"no cross match", "/ch3/pan", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(tt.address)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, addresses(got))
		})
	}
}

func TestCompilePatternCached(t *testing.T) {
	a := compilePattern(registeredPattern, "/cache*/x")
	b := compilePattern(registeredPattern, "/cache*/x")
	assert.Same(t, a, b)
	assert.NotSame(t, a, compilePattern(inboundPattern, "/cache*/x"))
}

func TestMatchDuringComposition(t *testing.T) {
	p := newPanel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = Attach(p, fmt.Sprintf("led%d", i%10), newLED("c"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			for _, r := range p.Match("/led3/toggle") {
				assert.IsType(t, &led{}, r.Owner)
			}
		}
	}()
	wg.Wait()
	assert.Len(t, p.Match("/led3/toggle"), 1)
}

func TestExtend(t *testing.T) {
	extra := Func("extra", func(...any) error { return nil })
	override := Func("override", func(...any) error { return nil }, WithAlias("toggle"))

	ext, err := Extend("test.led+funcs", _ledClass, extra, override)
	require.NoError(t, err)
	assert.Len(t, ext.Handlers(), 3)
	h, ok := ext.Handler("/toggle")
	require.True(t, ok)
	assert.Same(t, override, h)
	_, registered := LookupClass("test.led+funcs")
	assert.False(t, registered)

	bare, err := Extend("bare", nil, extra)
	require.NoError(t, err)
	assert.Equal(t, []*Class{bare}, bare.Order())

	_, err = Extend("dup", nil, extra, Func("again", func(...any) error { return nil }, WithAlias("/extra")))
	assert.ErrorIs(t, err, ErrDuplicateAddress)
}

func TestMatchRegisteredWildcardAcrossSegments(t *testing.T) {
	m := newMatchNode(t, "matcher.segments", "/mixer/*")

	for _, address := range []string{"/mixer/ch1", "/mixer/ch1/vol", "/mixer/"} {
		assert.Equal(t, []string{"/mixer/*"}, addresses(m.Match(address)), address)
	}
	assert.Empty(t, m.Match("/mix/ch1"))
}
