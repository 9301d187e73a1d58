// Package store defines the durable key/value state the central system
// exposes to operators, and its backends.
//
// Keys are hierarchical strings of the form "<identity>.<field>" plus the
// process-wide aggregate key InfoConnection. Every backend stores values in
// their JSON form, so numbers always read back as float64; use the State
// accessors instead of type assertions.
package store

import (
	"context"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// InfoConnection holds the comma joined list of connected charge points.
const InfoConnection = "info.connection"

// Store is the narrow interface the central system persists through.
type Store interface {
	// GetValue returns nil, nil when key was never written.
	GetValue(ctx context.Context, key string) (*State, error)
	SetValue(ctx context.Context, key string, val interface{}, ack bool) error
	// SetValueIfChanged writes only when the value or ack flag differ from
	// the stored state and reports whether it wrote.
	SetValueIfChanged(ctx context.Context, key string, val interface{}, ack bool) (bool, error)
	// ExtendObject creates the object definition under key or merges def into
	// the existing one. Common fields named in preserve keep their existing
	// value.
	ExtendObject(ctx context.Context, key string, def Object, preserve ...string) error
	GetObject(ctx context.Context, key string) (*Object, error)
	// Subscribe delivers every state write to "<identity>.<field>" for the
	// given fields until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, fields ...string) (<-chan Change, error)
	Close() error
}

type State struct {
	Val interface{} `json:"val"`
	// Ack is true for values written by the central system and false for
	// commands written by an operator.
	Ack bool      `json:"ack"`
	Ts  time.Time `json:"ts"`
}

func (s *State) Int() (int, bool) {
	if s == nil {
		return 0, false
	}
	switch v := s.Val.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		i, err := strconv.Atoi(v)
		return i, err == nil
	}
	return 0, false
}

func (s *State) Float() (float64, bool) {
	if s == nil {
		return 0, false
	}
	switch v := s.Val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func (s *State) Bool() (bool, bool) {
	if s == nil {
		return false, false
	}
	switch v := s.Val.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

func (s *State) String() string {
	if s == nil || s.Val == nil {
		return ""
	}
	if v, ok := s.Val.(string); ok {
		return v
	}
	bt, _ := json.Marshal(s.Val)
	return string(bt)
}

// Change is one state write delivered to subscribers.
type Change struct {
	Key      string
	Identity string
	Field    string
	State    State
}

type Common struct {
	Name   string   `json:"name"`
	Type   string   `json:"type,omitempty"`
	Role   string   `json:"role,omitempty"`
	Read   bool     `json:"read"`
	Write  bool     `json:"write"`
	States []string `json:"states,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	Min    *float64 `json:"min,omitempty"`
}

// Object describes a node of the state tree: a device, a channel grouping
// states, or a state.
type Object struct {
	ID     string                 `json:"_id"`
	Type   string                 `json:"type"`
	Common Common                 `json:"common"`
	Native map[string]interface{} `json:"native"`
}

// Key returns "<identity>.<field>".
func Key(identity, field string) string {
	return identity + "." + field
}

// SplitKey is the inverse of Key. The field is everything after the last dot.
func SplitKey(key string) (identity, field string) {
	idx := strings.LastIndex(key, ".")
	if idx == -1 {
		return key, ""
	}
	return key[:idx], key[idx+1:]
}

// Extend merges def into existing. Native keys of def overwrite existing
// ones. A def without common keeps the existing common; otherwise common is
// taken from def except for the preserved fields.
func Extend(existing *Object, def Object, key string, preserve ...string) Object {
	if existing == nil {
		out := def
		out.ID = key
		if out.Native == nil {
			out.Native = map[string]interface{}{}
		}
		return out
	}

	out := *existing
	out.ID = key
	if def.Type != "" {
		out.Type = def.Type
	}
	if !reflect.DeepEqual(def.Common, Common{}) {
		common := def.Common
		for _, field := range preserve {
			switch field {
			case "name":
				if existing.Common.Name != "" {
					common.Name = existing.Common.Name
				}
			case "role":
				if existing.Common.Role != "" {
					common.Role = existing.Common.Role
				}
			case "unit":
				if existing.Common.Unit != "" {
					common.Unit = existing.Common.Unit
				}
			}
		}
		out.Common = common
	}

	native := make(map[string]interface{}, len(existing.Native)+len(def.Native))
	for k, v := range existing.Native {
		native[k] = v
	}
	for k, v := range def.Native {
		native[k] = v
	}
	out.Native = native
	return out
}

// Normalize converts val to its JSON representation, the form every backend
// returns on read.
func Normalize(val interface{}) (interface{}, error) {
	bt, err := json.Marshal(val)
	if err != nil {
		return nil, errors.Wrap(err, "encoding value")
	}
	var out interface{}
	if err := json.Unmarshal(bt, &out); err != nil {
		return nil, errors.Wrap(err, "decoding value")
	}
	return out, nil
}

// NewState builds an acknowledged or unacknowledged state stamped now.
func NewState(val interface{}, ack bool) (State, error) {
	normalized, err := Normalize(val)
	if err != nil {
		return State{}, err
	}
	return State{Val: normalized, Ack: ack, Ts: time.Now().UTC()}, nil
}

// Unchanged reports whether writing next over current would be a no-op.
func Unchanged(current *State, next State) bool {
	if current == nil {
		return false
	}
	return current.Ack == next.Ack && reflect.DeepEqual(current.Val, next.Val)
}

// MatchesField reports whether key addresses one of fields.
func MatchesField(key string, fields []string) bool {
	_, field := SplitKey(key)
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}

func NewChange(key string, state State) Change {
	identity, field := SplitKey(key)
	return Change{Key: key, Identity: identity, Field: field, State: state}
}
