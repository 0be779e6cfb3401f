package cmdqueue

import (
	"context"
	"errors"
	"testing"

	"tmon/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDecode(t *testing.T) {
	r := DefaultRegistry()

	_, err := r.Decode("reboot_now", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownVerb)

	p, err := r.Decode(VerbRelayCtrl, []byte(`{"relay":2,"state":"off"}`))
	require.NoError(t, err)
	assert.Equal(t, &RelayCtrlParams{Relay: 2, State: "off"}, p)

	_, err = r.Decode(VerbRelayCtrl, []byte(`{"relay":2,"state":"toggle"}`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = r.Decode(VerbRelayCtrl, []byte(`{"relay":2,"state":"on","extra":1}`))
	assert.ErrorIs(t, err, ErrInvalid)

	assert.Len(t, r.Verbs(), 6)
}

func TestFirmwareUpdateValidation(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.Decode(VerbFirmwareUpdate, []byte(`{"version":"1.4.2","url":"https://fw.example.com/1.4.2.bin"}`))
	assert.NoError(t, err)
	_, err = r.Decode(VerbFirmwareUpdate, []byte(`{"version":"v2.0.0","url":"https://fw.example.com/2.bin"}`))
	assert.NoError(t, err)
	_, err = r.Decode(VerbFirmwareUpdate, []byte(`{"version":"latest","url":"https://fw.example.com/x.bin"}`))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = r.Decode(VerbFirmwareUpdate, []byte(`{"version":"1.0.0","url":"http://fw.example.com/x.bin"}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDispatchAndListeners(t *testing.T) {
	q, _ := newQueue(t, Options{})
	d := NewDispatcher(q, nil)
	ctx := context.Background()

	var seen []string
	d.OnComplete("first", func(_ context.Context, c models.Command) error {
		seen = append(seen, "first:"+c.Command)
		return errors.New("boom")
	})
	d.OnComplete("second", func(_ context.Context, c models.Command) error {
		seen = append(seen, "second:"+string(c.Status))
		return nil
	})

	c, err := d.Dispatch(ctx, "u1", VerbSetVar, []byte(`{"name":"interval","value":30}`), "ops")
	require.NoError(t, err)
	assert.Equal(t, "set_var", c.Command)
	assert.JSONEq(t, `{"name":"interval","value":30}`, string(c.Params))

	_, err = d.Dispatch(ctx, "u1", "format_disk", nil, "ops")
	assert.ErrorIs(t, err, ErrUnknownVerb)

	done, err := d.Complete(ctx, c.ID, models.CommandDone, nil)
	require.NoError(t, err, "listener failure does not fail completion")
	assert.Equal(t, models.CommandDone, done.Status)
	assert.Equal(t, []string{"first:set_var", "second:done"}, seen)

	// stale completions skip listeners
	_, err = d.Complete(ctx, c.ID, models.CommandDone, nil)
	assert.ErrorIs(t, err, ErrStale)
	assert.Len(t, seen, 2)
}

func TestSettingsUpdateValidatesKnownKeys(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.Decode(VerbSettingsUpdate, []byte(`{"settings":{"relay_count":4,"custom":"x"}}`))
	assert.NoError(t, err)
	_, err = r.Decode(VerbSettingsUpdate, []byte(`{"settings":{"relay_count":99}}`))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = r.Decode(VerbSettingsUpdate, []byte(`{"settings":{}}`))
	assert.ErrorIs(t, err, ErrInvalid)
}
