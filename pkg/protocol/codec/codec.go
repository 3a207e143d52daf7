package codec

import "sort"

// Codec marshals and unmarshals typed connection message bodies.
// Implementations must be deterministic: two Marshal calls on an equal
// value must produce identical bytes, since an envelope's encoded body
// is what crosses the wire and is later compared by Format on decode.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry resolves a content-type string to the Codec a connection's
// message layer should use for it. One Registry is shared across all
// connections a ResourceManager owns, so CBOR's EncMode/DecMode setup
// happens once per process rather than once per connection.
type Registry struct {
	byType map[string]Codec
}

// NewRegistry builds a registry preloaded with the codecs that have no
// fallible setup: JSON and Protobuf. CBOR's encoder/decoder mode
// construction can fail, so it is not preloaded here; register the
// result of CBOR() explicitly, or use NewFullRegistry.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	return r
}

// NewFullRegistry builds a registry with JSON, Protobuf, and CBOR all
// preloaded. A CBOR construction failure here would indicate a broken
// static option set rather than a runtime condition, so it is dropped
// silently rather than propagated.
func NewFullRegistry() *Registry {
	r := NewRegistry()
	if c, err := CBOR(); err == nil {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the codec for its ContentType.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns the codec registered for contentType, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Names returns the registered content types in sorted order, useful
// for logging the negotiated codec set when a connection is set up.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byType))
	for name := range r.byType {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
