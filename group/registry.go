package group

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Structs

// Replicated is the capability interface replicated object
// state lives behind: state moves to joiners as a stream,
// and cooked messages apply as RPCs.
type Replicated interface {
	ReceiveState(r io.Reader) error
	SendState(w io.Writer) error
	ApplyRPC(sender int32, payload []byte)
}

// Factory constructs an empty replicated object of one
// registered type.
type Factory func() Replicated

// Registry maps stable string tags to replicated-type
// factories. Subgroup metadata carries the tag; objects are
// looked up by it.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// Functions

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a tag. Re-registering a tag
// is an error.
func (r *Registry) Register(tag string, f Factory) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[tag]; ok {
		return errors.Errorf("factory tag '%s' already registered", tag)
	}
	r.factories[tag] = f
	return nil
}

// Create instantiates an empty object of the tagged type.
func (r *Registry) Create(tag string) (Replicated, error) {

	r.mu.Lock()
	f, ok := r.factories[tag]
	r.mu.Unlock()

	if !ok {
		return nil, errors.Errorf("no factory registered for tag '%s'", tag)
	}
	return f(), nil
}
