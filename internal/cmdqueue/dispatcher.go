package cmdqueue

import (
	"context"
	"encoding/json"

	"tmon/internal/logs"
	"tmon/internal/models"

	"github.com/sirupsen/logrus"
)

// Listener runs after a command has been completed.
type Listener func(ctx context.Context, c models.Command) error

type namedListener struct {
	name string
	fn   Listener
}

// Dispatcher is the admin-facing entry into the queue: it validates
// params against the verb registry before enqueueing and fans completions
// out to listeners registered at startup.
type Dispatcher struct {
	queue     *Queue
	verbs     *Registry
	listeners []namedListener
	log       logrus.FieldLogger
}

func NewDispatcher(q *Queue, r *Registry) *Dispatcher {
	if r == nil {
		r = DefaultRegistry()
	}
	return &Dispatcher{queue: q, verbs: r, log: logs.Component("cmdqueue")}
}

func (d *Dispatcher) Queue() *Queue { return d.queue }

func (d *Dispatcher) Registry() *Registry { return d.verbs }

// OnComplete registers a listener. Listeners run in registration order.
func (d *Dispatcher) OnComplete(name string, fn Listener) {
	d.listeners = append(d.listeners, namedListener{name: name, fn: fn})
}

// Dispatch decodes raw as the verb's params, re-encodes the typed value
// and enqueues it for deviceID.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID string, verb Verb, raw []byte, requestedBy string) (models.Command, error) {
	p, err := d.verbs.Decode(verb, raw)
	if err != nil {
		return models.Command{}, err
	}
	return d.Enqueue(ctx, deviceID, p, requestedBy)
}

// Enqueue stores an already typed params value.
func (d *Dispatcher) Enqueue(ctx context.Context, deviceID string, p Params, requestedBy string) (models.Command, error) {
	if err := p.Validate(); err != nil {
		return models.Command{}, err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return models.Command{}, err
	}
	c, err := d.queue.Enqueue(ctx, deviceID, string(p.Verb()), b, requestedBy)
	if err != nil {
		return c, err
	}
	d.log.WithFields(logrus.Fields{
		"command_id": c.ID,
		"unit_id":    c.DeviceID,
		"command":    c.Command,
		"by":         requestedBy,
	}).Info("command queued")
	return c, nil
}

// Complete records the result and runs listeners. A failing listener is
// logged; it never undoes the completion.
func (d *Dispatcher) Complete(ctx context.Context, id uint, status models.CommandStatus, result []byte) (models.Command, error) {
	c, err := d.queue.Complete(ctx, id, status, result)
	if err != nil {
		return c, err
	}
	for _, l := range d.listeners {
		if err := l.fn(ctx, c); err != nil {
			d.log.WithFields(logrus.Fields{
				"listener":   l.name,
				"command_id": c.ID,
			}).WithError(err).Warn("completion listener failed")
		}
	}
	return c, nil
}
