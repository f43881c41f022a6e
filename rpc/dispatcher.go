package rpc

import "fmt"

// Handler answers one method call, returning the response body or an
// error. Streaming methods use StreamHandler instead.
type Handler func(ctx *CallContext, body []byte) ([]byte, error)

// StreamHandler answers one method call by writing zero or more chunks to
// w before returning; the stream's EOS is sent automatically when it
// returns.
type StreamHandler func(ctx *CallContext, body []byte, w *StreamWriter) error

// method is one registered record: a method name and its unary or
// streaming handler, looked up by name alone (no input or output shape is
// recorded or checked). Records are discovered at startup via Dispatcher, not a
// compile-time distributed-slice (the spec explicitly rules that out for
// a standalone-executable cell: §REDESIGN FLAGS).
type method struct {
	name    string
	handler Handler
	stream  StreamHandler
}

// Dispatcher is a startup-time builder of method records. A cell
// constructs one, registers its handlers, and hands it to NewSession;
// nothing about method registration happens via package init or linker
// tricks.
type Dispatcher struct {
	methods map[string]method
}

// NewDispatcher returns an empty Dispatcher ready for registration.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{methods: make(map[string]method)}
}

// Register adds a unary method. Panics on a duplicate name: that is a
// programming error in the cell binary, not a runtime condition.
func (d *Dispatcher) Register(name string, h Handler) *Dispatcher {
	if _, exists := d.methods[name]; exists {
		panic(fmt.Sprintf("rpc: duplicate method registration %q", name))
	}
	d.methods[name] = method{name: name, handler: h}
	return d
}

// RegisterStream adds a streaming method.
func (d *Dispatcher) RegisterStream(name string, h StreamHandler) *Dispatcher {
	if _, exists := d.methods[name]; exists {
		panic(fmt.Sprintf("rpc: duplicate method registration %q", name))
	}
	d.methods[name] = method{name: name, stream: h}
	return d
}

func (d *Dispatcher) lookup(name string) (method, bool) {
	m, ok := d.methods[name]
	return m, ok
}
