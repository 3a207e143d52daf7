// Package uri parses and builds the channel URI grammar used to address
// publications and subscriptions: aeronet:MEDIA?KEY=VALUE[|KEY=VALUE...].
package uri

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const scheme = "aeronet"

// Keys recognized in the query portion of a ChannelUri.
const (
	KeyEndpoint     = "endpoint"
	KeyControl      = "control"
	KeyControlMode  = "control-mode"
	KeySessionID    = "session-id"
	KeyTermLength   = "term-length"
)

// ControlModeDynamic marks a publication/subscription as using
// multi-destination-cast with dynamic subscriber registration.
const ControlModeDynamic = "dynamic"

// ChannelUri is an immutable structured representation of an endpoint
// address. Mutators (With*) return a new value; the receiver is untouched.
type ChannelUri struct {
	media  string
	params map[string]string
}

// New builds a ChannelUri for the given media (e.g. "udp", "mem").
func New(media string) ChannelUri {
	return ChannelUri{media: media, params: map[string]string{}}
}

// Parse parses a string of the form aeronet:MEDIA?k=v|k=v|...
func Parse(s string) (ChannelUri, error) {
	prefix := scheme + ":"
	if !strings.HasPrefix(s, prefix) {
		return ChannelUri{}, fmt.Errorf("uri: missing %q scheme: %q", scheme, s)
	}
	rest := s[len(prefix):]
	media := rest
	query := ""
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		media = rest[:i]
		query = rest[i+1:]
	}
	if media == "" {
		return ChannelUri{}, fmt.Errorf("uri: missing media in %q", s)
	}
	u := New(media)
	if query == "" {
		return u, nil
	}
	for _, kv := range strings.Split(query, "|") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return ChannelUri{}, fmt.Errorf("uri: bad key=value pair %q in %q", kv, s)
		}
		u.params[parts[0]] = parts[1]
	}
	return u, nil
}

// Media returns the transport media identifier (e.g. "udp").
func (u ChannelUri) Media() string { return u.media }

// Get returns a parameter value and whether it was present.
func (u ChannelUri) Get(key string) (string, bool) {
	v, ok := u.params[key]
	return v, ok
}

// MustGet returns a parameter value or "" if absent.
func (u ChannelUri) MustGet(key string) string {
	return u.params[key]
}

// Endpoint returns the endpoint host:port, if set.
func (u ChannelUri) Endpoint() string { return u.params[KeyEndpoint] }

// Control returns the control host:port, if set.
func (u ChannelUri) Control() string { return u.params[KeyControl] }

// IsDynamicControlMode reports whether control-mode=dynamic is set.
func (u ChannelUri) IsDynamicControlMode() bool {
	return u.params[KeyControlMode] == ControlModeDynamic
}

// SessionID returns the session-id parameter, if present and well-formed.
func (u ChannelUri) SessionID() (int32, bool) {
	v, ok := u.params[KeySessionID]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(n), true
}

// with returns a copy of u with key set to value.
func (u ChannelUri) with(key, value string) ChannelUri {
	out := ChannelUri{media: u.media, params: make(map[string]string, len(u.params)+1)}
	for k, v := range u.params {
		out.params[k] = v
	}
	out.params[key] = value
	return out
}

// WithEndpoint returns a copy with endpoint=hostport.
func (u ChannelUri) WithEndpoint(hostport string) ChannelUri { return u.with(KeyEndpoint, hostport) }

// WithControl returns a copy with control=hostport.
func (u ChannelUri) WithControl(hostport string) ChannelUri { return u.with(KeyControl, hostport) }

// WithDynamicControlMode returns a copy with control-mode=dynamic.
func (u ChannelUri) WithDynamicControlMode() ChannelUri {
	return u.with(KeyControlMode, ControlModeDynamic)
}

// WithSessionID returns a copy with session-id=id.
func (u ChannelUri) WithSessionID(id int32) ChannelUri {
	return u.with(KeySessionID, strconv.FormatInt(int64(id), 10))
}

// WithTermLength returns a copy with term-length=n.
func (u ChannelUri) WithTermLength(n int) ChannelUri {
	return u.with(KeyTermLength, strconv.Itoa(n))
}

// String renders the canonical, normalized form: keys sorted so that
// equality can be decided by string comparison.
func (u ChannelUri) String() string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteByte(':')
	b.WriteString(u.media)
	if len(u.params) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(u.params))
	for k := range u.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(u.params[k])
	}
	return b.String()
}

// Equal reports equality by normalized string form.
func (u ChannelUri) Equal(other ChannelUri) bool { return u.String() == other.String() }
