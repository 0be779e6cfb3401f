// Package settings knows the device settings a unit controller
// understands. Known keys are checked and normalised before they are
// staged or sent to a device; unknown keys pass through untouched so
// newer firmware can take settings this node has never heard of.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalid = errors.New("invalid settings")

type Kind string

const (
	KString Kind = "string"
	KBool   Kind = "bool"
	KInt    Kind = "int"
	KList   Kind = "list" // JSON array or comma-separated string
	KIPv4   Kind = "ipv4"
)

type Def struct {
	Key      string
	Kind     Kind
	Example  string
	Validate func(string) (string, error)               // normalises a single value
	Requires func(get func(string) (string, bool)) bool // required when other settings say so
}

// --- validators ---

var (
	reName = regexp.MustCompile(`^(?i:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)$`)
	reTZ   = regexp.MustCompile(`^(?:UTC|[A-Za-z]+(?:/[A-Za-z0-9_\-+]+)+)$`)
)

func normName(v string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" || !reName.MatchString(s) {
		return "", errors.New("invalid unit name (letters, digits, '-', max 63)")
	}
	return s, nil
}

func normTZ(v string) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" || len(s) > 128 || !reTZ.MatchString(s) {
		return "", errors.New("invalid timezone (Area/City)")
	}
	return s, nil
}

func normBool(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return "true", nil
	case "0", "false", "no", "off":
		return "false", nil
	}
	return "", errors.New("invalid bool")
}

func normInt(min, max int) func(string) (string, error) {
	return func(v string) (string, error) {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return "", errors.New("not an integer")
		}
		if n < min || n > max {
			return "", fmt.Errorf("int out of range [%d..%d]", min, max)
		}
		return strconv.Itoa(n), nil
	}
}

func normIPv4(v string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(v))
	if ip == nil || ip.To4() == nil {
		return "", errors.New("invalid ipv4")
	}
	return ip.To4().String(), nil
}

func normNetmask(v string) (string, error) {
	s := strings.TrimSpace(v)
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 32 {
		return net.IP(net.CIDRMask(n, 32)).String(), nil
	}
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return "", errors.New("invalid netmask")
	}
	return ip.To4().String(), nil
}

func normList(v string) (string, error) {
	parts := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return "", errors.New("empty list")
	}
	return strings.Join(out, ","), nil
}

func oneOf(name string, allowed ...string) func(string) (string, error) {
	return func(v string) (string, error) {
		s := strings.ToLower(strings.TrimSpace(v))
		for _, a := range allowed {
			if s == a {
				return s, nil
			}
		}
		return "", fmt.Errorf("%s must be %s", name, strings.Join(allowed, "|"))
	}
}

func normWiFiPSK(v string) (string, error) {
	if l := len(v); l < 8 || l > 63 {
		return "", errors.New("wifi psk must be 8..63 chars")
	}
	return v, nil
}

func normSSID(v string) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" || len(s) > 32 {
		return "", errors.New("ssid must be 1..32 chars")
	}
	return s, nil
}

// --- catalog ---

func staticNet(get func(string) (string, bool)) bool {
	v, _ := get("net_proto")
	return v == "static"
}

var Catalog = []Def{
	// identity
	{Key: "unit_name", Kind: KString, Example: "boiler-room-01", Validate: normName},
	{Key: "timezone", Kind: KString, Example: "Europe/Rome", Validate: normTZ},

	// sampling and upload
	{Key: "sample_interval_s", Kind: KInt, Example: "60", Validate: normInt(1, 86400)},
	{Key: "upload_interval_s", Kind: KInt, Example: "300", Validate: normInt(10, 86400)},
	{Key: "telemetry_enabled", Kind: KBool, Example: "true", Validate: normBool},
	{Key: "log_level", Kind: KString, Example: "info", Validate: oneOf("log_level", "debug", "info", "warn", "error")},

	// relays
	{Key: "relay_count", Kind: KInt, Example: "2", Validate: normInt(0, 16)},
	{Key: "relay_failsafe", Kind: KString, Example: "off", Validate: oneOf("relay_failsafe", "off", "on", "hold")},

	// network
	{Key: "net_proto", Kind: KString, Example: "dhcp|static", Validate: oneOf("net_proto", "dhcp", "static")},
	{Key: "ipv4_address", Kind: KIPv4, Example: "10.100.0.2", Validate: normIPv4, Requires: staticNet},
	{Key: "ipv4_netmask", Kind: KIPv4, Example: "255.255.255.0", Validate: normNetmask, Requires: staticNet},
	{Key: "ipv4_gateway", Kind: KIPv4, Example: "10.100.0.1", Validate: normIPv4, Requires: staticNet},
	{Key: "dns_servers", Kind: KList, Example: "1.1.1.1,8.8.8.8", Validate: normList},
	{Key: "ntp_servers", Kind: KList, Example: "pool.ntp.org", Validate: normList},

	// wi-fi
	{Key: "wifi_country", Kind: KString, Example: "IT", Validate: func(s string) (string, error) {
		s = strings.ToUpper(strings.TrimSpace(s))
		if len(s) != 2 {
			return "", errors.New("country must be ISO 3166-1 alpha-2")
		}
		return s, nil
	}},
	{Key: "wifi_ssid", Kind: KString, Example: "PlantWiFi", Validate: normSSID},
	{Key: "wifi_encryption", Kind: KString, Example: "psk2|sae|none", Validate: oneOf("wifi_encryption", "psk2", "psk-mixed", "sae", "none")},
	{Key: "wifi_psk", Kind: KString, Example: "********", Validate: normWiFiPSK, Requires: func(get func(string) (string, bool)) bool {
		if _, ok := get("wifi_ssid"); !ok {
			return false
		}
		enc, _ := get("wifi_encryption")
		return enc != "none"
	}},
}

// --- registry ---

var byKey map[string]Def

func init() {
	byKey = make(map[string]Def, len(Catalog))
	for _, d := range Catalog {
		byKey[d.Key] = d
	}
}

func Lookup(key string) (Def, bool) { d, ok := byKey[key]; return d, ok }

// ValidateOne normalises a single known setting given as text.
func ValidateOne(key, value string) (string, error) {
	if d, ok := Lookup(key); ok {
		return d.Validate(value)
	}
	return "", fmt.Errorf("unknown setting: %s", key)
}

// Normalize checks every known key in m and returns a copy with those
// values normalised and re-encoded by kind. A null value clears the
// setting on the device and is kept as is.
func Normalize(m map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(m))
	text := make(map[string]string, len(m))
	for k, raw := range m {
		d, known := Lookup(k)
		if !known || isNull(raw) {
			out[k] = raw
			continue
		}
		s, err := textOf(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, k, err)
		}
		norm, err := d.Validate(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, k, err)
		}
		text[k] = norm
		out[k] = encode(d.Kind, norm)
	}
	if err := ValidateAll(func(k string) (string, bool) { v, ok := text[k]; return v, ok }); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateAll checks conditional requirements against get.
func ValidateAll(get func(string) (string, bool)) error {
	var missing []string
	for _, d := range Catalog {
		if d.Requires == nil || !d.Requires(get) {
			continue
		}
		if v, ok := get(d.Key); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, d.Key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing required settings: %v", ErrInvalid, missing)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// textOf turns a JSON scalar, or an array of strings, into the text the
// validators work on.
func textOf(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ","), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", errors.New("invalid JSON value")
	}
	switch v.(type) {
	case float64, bool:
		return strings.TrimSpace(string(raw)), nil
	}
	return "", errors.New("expected a string, number, bool or list of strings")
}

func encode(k Kind, norm string) json.RawMessage {
	var v any = norm
	switch k {
	case KInt:
		n, _ := strconv.Atoi(norm)
		v = n
	case KBool:
		v = norm == "true"
	case KList:
		v = strings.Split(norm, ",")
	}
	b, _ := json.Marshal(v)
	return b
}
