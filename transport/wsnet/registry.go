package wsnet

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/goccy/go-json"
)

// Registry maps concrete message types to a one-byte wire tag, so
// SendAsync's `msg any` can cross a real process boundary. Every message
// type that travels over a wsnet transport must be registered identically
// on every node — this is the same "dispatcher deployed everywhere"
// requirement spec §9 already places on dispatcher ids, applied to wire
// types instead.
type Registry struct {
	mu      sync.RWMutex
	typeOf  map[byte]reflect.Type
	kindOf  map[reflect.Type]byte
}

// NewRegistry creates an empty type registry.
func NewRegistry() *Registry {
	return &Registry{
		typeOf: make(map[byte]reflect.Type),
		kindOf: make(map[reflect.Type]byte),
	}
}

// Register associates kind with the concrete (non-pointer) type of sample.
// Registering a kind already bound to a different type, or a type already
// bound to a different kind, panics at startup rather than silently
// corrupting the wire later; repeating an identical registration is a no-op.
func (r *Registry) Register(kind byte, sample any) {
	t := reflect.TypeOf(sample)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.typeOf[kind]; ok && existing != t {
		panic(fmt.Sprintf("wsnet: kind %d already registered to %s", kind, existing))
	}
	if existing, ok := r.kindOf[t]; ok && existing != kind {
		panic(fmt.Sprintf("wsnet: type %s already registered to kind %d", t, existing))
	}
	r.typeOf[kind] = t
	r.kindOf[t] = kind
}

func (r *Registry) encode(msg any) (byte, []byte, error) {
	t := reflect.TypeOf(msg)
	r.mu.RLock()
	kind, ok := r.kindOf[t]
	r.mu.RUnlock()
	if !ok {
		return 0, nil, fmt.Errorf("wsnet: type %s is not registered", t)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("wsnet: marshal %s: %w", t, err)
	}
	return kind, payload, nil
}

func (r *Registry) decode(kind byte, payload []byte) (any, error) {
	r.mu.RLock()
	t, ok := r.typeOf[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wsnet: kind %d is not registered", kind)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(payload, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("wsnet: unmarshal kind %d: %w", kind, err)
	}
	return ptr.Elem().Interface(), nil
}
