package cmdqueue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tmon/internal/settings"

	"github.com/Masterminds/semver/v3"
)

var ErrUnknownVerb = errors.New("unknown command")

type Verb string

const (
	VerbSetVar         Verb = "set_var"
	VerbRunFunc        Verb = "run_func"
	VerbRelayCtrl      Verb = "relay_ctrl"
	VerbFirmwareUpdate Verb = "firmware_update"
	VerbSettingsUpdate Verb = "settings_update"
	VerbCustomCode     Verb = "custom_code"
)

// Params is one arm of the command payload union. The queue stores the
// encoded form; the verb decides the schema.
type Params interface {
	Verb() Verb
	Validate() error
}

type SetVarParams struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

func (SetVarParams) Verb() Verb { return VerbSetVar }
func (p SetVarParams) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name required")
	}
	if len(p.Value) == 0 {
		return errors.New("value required")
	}
	return nil
}

type RunFuncParams struct {
	Function string            `json:"function"`
	Args     []json.RawMessage `json:"args,omitempty"`
}

func (RunFuncParams) Verb() Verb { return VerbRunFunc }
func (p RunFuncParams) Validate() error {
	if strings.TrimSpace(p.Function) == "" {
		return errors.New("function required")
	}
	return nil
}

// RelayCtrlParams carries an absolute state so repeated delivery is harmless.
type RelayCtrlParams struct {
	Relay     int    `json:"relay"`
	State     string `json:"state"` // on|off
	DurationS int    `json:"duration_s,omitempty"`
}

func (RelayCtrlParams) Verb() Verb { return VerbRelayCtrl }
func (p RelayCtrlParams) Validate() error {
	if p.Relay < 1 {
		return errors.New("relay must be >= 1")
	}
	if p.State != "on" && p.State != "off" {
		return fmt.Errorf("state %q: want on|off", p.State)
	}
	if p.DurationS < 0 {
		return errors.New("duration_s must be >= 0")
	}
	return nil
}

// FirmwareUpdateParams is version-gated on the device: a unit already at
// Version ignores the command.
type FirmwareUpdateParams struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256,omitempty"`
}

func (FirmwareUpdateParams) Verb() Verb { return VerbFirmwareUpdate }
func (p FirmwareUpdateParams) Validate() error {
	if _, err := semver.StrictNewVersion(strings.TrimPrefix(p.Version, "v")); err != nil {
		return fmt.Errorf("version %q: %w", p.Version, err)
	}
	if !strings.HasPrefix(p.URL, "https://") {
		return errors.New("url must be https")
	}
	if p.SHA256 != "" && len(p.SHA256) != 64 {
		return errors.New("sha256 must be 64 hex chars")
	}
	return nil
}

type SettingsUpdateParams struct {
	Settings map[string]json.RawMessage `json:"settings"`
}

func (SettingsUpdateParams) Verb() Verb { return VerbSettingsUpdate }
func (p SettingsUpdateParams) Validate() error {
	if len(p.Settings) == 0 {
		return errors.New("settings required")
	}
	_, err := settings.Normalize(p.Settings)
	return err
}

type CustomCodeParams struct {
	Code string `json:"code"`
}

func (CustomCodeParams) Verb() Verb { return VerbCustomCode }
func (p CustomCodeParams) Validate() error {
	if strings.TrimSpace(p.Code) == "" {
		return errors.New("code required")
	}
	return nil
}

// Registry maps verbs to the factory of their params type.
type Registry struct {
	verbs map[Verb]func() Params
}

func NewRegistry() *Registry {
	return &Registry{verbs: map[Verb]func() Params{}}
}

// DefaultRegistry knows every built-in verb.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(VerbSetVar, func() Params { return &SetVarParams{} })
	r.Register(VerbRunFunc, func() Params { return &RunFuncParams{} })
	r.Register(VerbRelayCtrl, func() Params { return &RelayCtrlParams{} })
	r.Register(VerbFirmwareUpdate, func() Params { return &FirmwareUpdateParams{} })
	r.Register(VerbSettingsUpdate, func() Params { return &SettingsUpdateParams{} })
	r.Register(VerbCustomCode, func() Params { return &CustomCodeParams{} })
	return r
}

func (r *Registry) Register(v Verb, factory func() Params) {
	r.verbs[v] = factory
}

func (r *Registry) Verbs() []Verb {
	out := make([]Verb, 0, len(r.verbs))
	for v := range r.verbs {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decode parses raw into the verb's params type and validates it.
// Unknown fields are rejected.
func (r *Registry) Decode(v Verb, raw []byte) (Params, error) {
	factory, ok := r.verbs[v]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, v)
	}
	p := factory()
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %s params: %v", ErrInvalid, v, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, v, err)
	}
	return p, nil
}
