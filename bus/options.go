package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Options maps travel as named optional keys. Producers omit absent keys
// entirely rather than sending null markers; the MarshalMap methods below are
// the single place that rule is enforced.

// EnumerateOptions narrows a process enumeration.
type EnumerateOptions struct {
	// PIDs restricts enumeration to the given process ids.
	PIDs []int
	// Scope selects how much detail the host gathers, e.g. "minimal" or
	// "full". Empty means host default.
	Scope string
}

func (o EnumerateOptions) MarshalMap() map[string]any {
	m := map[string]any{}
	if len(o.PIDs) > 0 {
		m["pids"] = o.PIDs
	}
	if o.Scope != "" {
		m["scope"] = o.Scope
	}
	return m
}

// AttachOptions configures a new session.
type AttachOptions struct {
	// Realm selects the execution realm on the remote side, e.g. "native" or
	// "emulated". Empty means host default.
	Realm string
	// PersistTimeout is how long the host keeps the session alive across
	// transport loss. Zero disables persistence.
	PersistTimeout time.Duration
}

func (o AttachOptions) MarshalMap() map[string]any {
	m := map[string]any{}
	if o.Realm != "" {
		m["realm"] = o.Realm
	}
	if o.PersistTimeout > 0 {
		m["persist-timeout"] = uint64(o.PersistTimeout / time.Second)
	}
	return m
}

// ScriptOptions configures script creation.
type ScriptOptions struct {
	Name    string
	Runtime string
}

func (o ScriptOptions) MarshalMap() map[string]any {
	m := map[string]any{}
	if o.Name != "" {
		m["name"] = o.Name
	}
	if o.Runtime != "" {
		m["runtime"] = o.Runtime
	}
	return m
}

// RelayKind is the transport protocol used to reach a relay server.
type RelayKind string

const (
	RelayKindUDP RelayKind = "turn-udp"
	RelayKindTCP RelayKind = "turn-tcp"
	RelayKindTLS RelayKind = "turn-tls"
)

// Relay describes one relay server usable during peer-connection setup.
type Relay struct {
	Address  string    `json:"address" toml:"address"`
	Username string    `json:"username,omitempty" toml:"username"`
	Password string    `json:"password,omitempty" toml:"password"`
	Kind     RelayKind `json:"kind" toml:"kind"`
}

// PeerOptions configures peer-connection establishment. The zero value asks
// for a direct connection with no STUN or relay assistance.
type PeerOptions struct {
	StunServer string
	Relays     []Relay
}

func (o PeerOptions) MarshalMap() map[string]any {
	m := map[string]any{}
	if o.StunServer != "" {
		m["stun-server"] = o.StunServer
	}
	if len(o.Relays) > 0 {
		m["relays"] = o.Relays
	}
	return m
}

// DecodeOptions unmarshals a named-key options map into out, tolerating
// absent keys. The host side of the protocol uses it to read option maps
// without hand-rolled type switches.
func DecodeOptions(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding options map: %w", err)
	}
	return nil
}
