package settings

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(m map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestNormalizeKnownKeys(t *testing.T) {
	got, err := Normalize(raw(map[string]string{
		"unit_name":         `"Boiler-Room-01"`,
		"sample_interval_s": `"30"`,
		"telemetry_enabled": `"on"`,
		"dns_servers":       `" 1.1.1.1, 8.8.8.8 "`,
		"ntp_servers":       `["pool.ntp.org"]`,
		"wifi_country":      `"it"`,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `"boiler-room-01"`, string(got["unit_name"]))
	assert.JSONEq(t, `30`, string(got["sample_interval_s"]))
	assert.JSONEq(t, `true`, string(got["telemetry_enabled"]))
	assert.JSONEq(t, `["1.1.1.1","8.8.8.8"]`, string(got["dns_servers"]))
	assert.JSONEq(t, `["pool.ntp.org"]`, string(got["ntp_servers"]))
	assert.JSONEq(t, `"IT"`, string(got["wifi_country"]))
}

func TestNormalizePassesUnknownAndNull(t *testing.T) {
	in := raw(map[string]string{
		"interval":  `60`,
		"mode":      `{"eco":true}`,
		"log_level": `null`,
	})
	got, err := Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestNormalizeRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"range":      {"sample_interval_s": `0`},
		"not int":    {"relay_count": `"two"`},
		"enum":       {"log_level": `"verbose"`},
		"ip":         {"net_proto": `"static"`, "ipv4_address": `"10.0.0.300"`, "ipv4_netmask": `24`, "ipv4_gateway": `"10.0.0.1"`},
		"object":     {"unit_name": `{"a":1}`},
		"short psk":  {"wifi_ssid": `"plant"`, "wifi_psk": `"short"`},
		"bad tz":     {"timezone": `"Mars"`},
		"empty list": {"dns_servers": `" , "`},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(raw(in))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestConditionalRequirements(t *testing.T) {
	_, err := Normalize(raw(map[string]string{"net_proto": `"static"`, "ipv4_address": `"10.0.0.2"`}))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "ipv4_gateway")
	assert.Contains(t, err.Error(), "ipv4_netmask")

	got, err := Normalize(raw(map[string]string{
		"net_proto": `"STATIC"`, "ipv4_address": `"10.0.0.2"`, "ipv4_netmask": `"24"`, "ipv4_gateway": `"10.0.0.1"`,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `"255.255.255.0"`, string(got["ipv4_netmask"]))

	_, err = Normalize(raw(map[string]string{"wifi_ssid": `"plant"`}))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Normalize(raw(map[string]string{"wifi_ssid": `"plant"`, "wifi_encryption": `"none"`}))
	assert.NoError(t, err)
}

func TestValidateOne(t *testing.T) {
	v, err := ValidateOne("relay_failsafe", " HOLD ")
	require.NoError(t, err)
	assert.Equal(t, "hold", v)

	_, err = ValidateOne("nope", "x")
	assert.Error(t, err)
}
