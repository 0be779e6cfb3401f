package provision

import (
	"bytes"
	"encoding/json"
	"errors"

	"tmon/internal/models"
	"tmon/internal/settings"
)

var (
	ErrInvalidKey     = errors.New("device key required")
	ErrInvalidPayload = errors.New("payload must be a JSON object")
	ErrNoPayload      = errors.New("no payload to re-enqueue")
	ErrNotFound       = errors.New("provisioning entry not found")
)

// Payload is the desired state a spoke should converge a device to.
type Payload struct {
	UnitID    string                     `json:"unit_id,omitempty"`
	MachineID string                     `json:"machine_id,omitempty"`
	SiteURL   string                     `json:"site_url,omitempty"`
	UnitName  string                     `json:"unit_name,omitempty"`
	Plan      string                     `json:"plan,omitempty"`
	Role      string                     `json:"role,omitempty"`
	Firmware  string                     `json:"firmware,omitempty"`
	Status    string                     `json:"status,omitempty"`
	Settings  map[string]json.RawMessage `json:"settings,omitempty"`
}

func (p Payload) normalized() Payload {
	p.UnitID = models.NormalizeKey(p.UnitID)
	p.MachineID = models.NormalizeKey(p.MachineID)
	p.SiteURL = models.NormalizeSiteURL(p.SiteURL)
	return p
}

func (p Payload) empty() bool {
	return p.UnitID == "" && p.MachineID == "" && p.SiteURL == "" && p.UnitName == "" &&
		p.Plan == "" && p.Role == "" && p.Firmware == "" && p.Status == "" && len(p.Settings) == 0
}

// ParsePayload accepts a JSON object. An object with none of the known
// fields is taken as a raw settings map.
func ParsePayload(raw []byte) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Payload{}, ErrInvalidPayload
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, ErrInvalidPayload
	}
	if p.empty() {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return Payload{}, ErrInvalidPayload
		}
		if len(m) > 0 {
			p.Settings = m
		}
	}
	if len(p.Settings) > 0 {
		norm, err := settings.Normalize(p.Settings)
		if err != nil {
			return Payload{}, err
		}
		p.Settings = norm
	}
	return p, nil
}

// DecodeEntry unpacks a stored entry's payload.
func DecodeEntry(e models.ProvisionEntry) (Payload, error) {
	var p Payload
	if len(e.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
