// Package route composes OSC address spaces out of handler tables and matches
// inbound addresses against them.
//
// Handlers are declared once per type with RegisterClass. Every object that
// embeds a Node is seeded from its class with Init and grows a nested address
// space as other routing objects are attached beneath it:
//
//	led := &LED{}
//	led.Init(led, ledClass)           // "/toggle"
//	panel := &Panel{}
//	panel.Init(panel, panelClass)
//	route.Attach(panel, "led", led)   // panel now routes "/led/toggle" to led
package route

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strings"
	"unicode"
)

var (
	// ErrConfiguration is the root of every error raised while declaring
	// handlers or composing address spaces.
	ErrConfiguration    = errors.New("route: configuration error")
	ErrInvalidAddress   = fmt.Errorf("%w: invalid address", ErrConfiguration)
	ErrDuplicateAddress = fmt.Errorf("%w: duplicate address", ErrConfiguration)
	ErrDuplicateClass   = fmt.Errorf("%w: duplicate class", ErrConfiguration)
	ErrInvalidKey       = fmt.Errorf("%w: invalid key", ErrConfiguration)
	ErrCycle            = fmt.Errorf("%w: attachment cycle", ErrConfiguration)

	// ErrReceiverType is returned when a method handler is invoked on an
	// owner of the wrong type.
	ErrReceiverType = errors.New("route: receiver type mismatch")
)

// PriorityOption is the option key read by Handler.Priority.
const PriorityOption = "priority"

// Handler is a callable bound to one address. It is immutable once built.
type Handler struct {
	name       string
	address    string
	passSender bool
	options    map[string]any
	fn         func(recv any, args []any) error
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithAlias registers the handler under alias instead of "/"+name.
func WithAlias(alias string) HandlerOption {
	return func(h *Handler) {
		h.address = NormalizeAddress(alias)
	}
}

// WithSender makes the sender's transport address the first argument.
func WithSender() HandlerOption {
	return func(h *Handler) {
		h.passSender = true
	}
}

// WithOption attaches caller-defined metadata; routing ignores it.
func WithOption(key string, value any) HandlerOption {
	return func(h *Handler) {
		h.options[key] = value
	}
}

// WithPriority is WithOption(PriorityOption, p).
func WithPriority(p int) HandlerOption {
	return WithOption(PriorityOption, p)
}

func newHandler(name string, fn func(any, []any) error, opts []HandlerOption) *Handler {
	h := &Handler{
		name:    name,
		address: NormalizeAddress(name),
		options: make(map[string]any),
		fn:      fn,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Method declares a handler invoked on an owning instance of type R. R may
// be an interface so that handlers declared for an embedded type keep working
// when the owner is the embedding type.
func Method[R any](name string, fn func(R, ...any) error, opts ...HandlerOption) *Handler {
	return newHandler(name, func(recv any, args []any) error {
		r, ok := recv.(R)
		if !ok {
			return fmt.Errorf("%w: handler %s wants %v, got %T", ErrReceiverType, name, reflect.TypeFor[R](), recv)
		}
		return fn(r, args...)
	}, opts)
}

// Func declares a handler that needs no receiver.
func Func(name string, fn func(...any) error, opts ...HandlerOption) *Handler {
	return newHandler(name, func(_ any, args []any) error {
		return fn(args...)
	}, opts)
}

// Name is the name the handler was declared with.
func (h *Handler) Name() string { return h.name }

// Address is the normalized address the handler is registered under.
func (h *Handler) Address() string { return h.address }

// PassSender reports whether the sender address is prepended to arguments.
func (h *Handler) PassSender() bool { return h.passSender }

// Options returns a copy of the handler's metadata.
func (h *Handler) Options() map[string]any {
	return maps.Clone(h.options)
}

// Option returns one metadata value.
func (h *Handler) Option(key string) (any, bool) {
	v, ok := h.options[key]
	return v, ok
}

// Priority returns the "priority" option, or 0 when absent or not an int.
func (h *Handler) Priority() int {
	p, _ := h.options[PriorityOption].(int)
	return p
}

// Validate checks the handler's address.
func (h *Handler) Validate() error {
	if h.fn == nil {
		return fmt.Errorf("%w: handler %q has no function", ErrConfiguration, h.name)
	}
	return ValidateAddress(h.address)
}

// Call invokes the handler with recv as receiver.
func (h *Handler) Call(recv, sender any, args []any) error {
	if h.passSender {
		withSender := make([]any, 0, len(args)+1)
		withSender = append(withSender, sender)
		args = append(withSender, args...)
	}
	return h.fn(recv, args)
}

// NormalizeAddress prefixes a missing leading "/".
func NormalizeAddress(address string) string {
	if strings.HasPrefix(address, "/") {
		return address
	}
	return "/" + address
}

const _reservedChars = "#,?[]{}"

// ValidateAddress rejects addresses a handler cannot be registered under.
// "*" is allowed: a registered "*" matches any run of characters inbound.
func ValidateAddress(address string) error {
	switch {
	case address == "" || address == "/":
		return fmt.Errorf("%w: %q is empty", ErrInvalidAddress, address)
	case address[0] != '/':
		return fmt.Errorf("%w: %q must start with '/'", ErrInvalidAddress, address)
	case strings.HasSuffix(address, "/"):
		return fmt.Errorf("%w: %q ends with '/'", ErrInvalidAddress, address)
	case strings.Contains(address, "//"):
		return fmt.Errorf("%w: %q has an empty segment", ErrInvalidAddress, address)
	case strings.ContainsAny(address, _reservedChars):
		return fmt.Errorf("%w: %q contains one of %q", ErrInvalidAddress, address, _reservedChars)
	case strings.IndexFunc(address, unicode.IsSpace) >= 0:
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidAddress, address)
	}
	return nil
}

// ValidateKey checks an attachment key, which becomes one address segment.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.ContainsAny(key, "/*"+_reservedChars):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidKey, key)
	case strings.IndexFunc(key, unicode.IsSpace) >= 0:
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidKey, key)
	}
	return nil
}

// Route is one entry of a routing table: a handler and the instance it is
// invoked on.
type Route struct {
	Address string
	Handler *Handler
	Owner   any
}

// Invoke calls the handler on the route's owner.
func (r Route) Invoke(sender any, args []any) error {
	return r.Handler.Call(r.Owner, sender, args)
}
