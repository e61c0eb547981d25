// Package broadcast fans SOS events out to agent consoles and to the owner's
// devices. Delivery is best effort; consoles reconcile by polling.
package broadcast

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/metrics"
	"WalkGuard/pkg/sse"
	"WalkGuard/pkg/websocket"
)

const (
	EventSOSCreated = "sos_created"
	EventSOSUpdated = "sos_updated"
)

type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload interface{}) error
}

// UserTopic addresses every connection of one user
func UserTopic(user string) string { return constant.UserTopicPrefix + user }

// Local delivers to the hubs of this process
type Local struct {
	ws      *websocket.Hub
	sse     *sse.Hub
	metrics *metrics.Metrics
}

// NewLocal accepts nil hubs, which are skipped
func NewLocal(ws *websocket.Hub, sseHub *sse.Hub, m *metrics.Metrics) *Local {
	return &Local{ws: ws, sse: sseHub, metrics: m}
}

func (l *Local) Publish(ctx context.Context, topic, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode broadcast payload")
	}
	return l.deliver(topic, event, data)
}

func (l *Local) deliver(topic, event string, data []byte) error {
	var errs []error
	if l.ws != nil {
		raw := json.RawMessage(data)
		var err error
		if user, ok := strings.CutPrefix(topic, constant.UserTopicPrefix); ok {
			err = l.ws.SendToUser(user, event, raw)
		} else {
			err = l.ws.SendToGroup(topic, event, raw)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if l.sse != nil {
		l.sse.Publish(topic, event, data)
	}
	if len(errs) > 0 {
		l.metrics.BroadcastError("local")
		return errors.Unavailable(stderrors.Join(errs...), "local broadcast")
	}
	return nil
}

// Fanout publishes one payload to several topics and keeps going past failures
func Fanout(ctx context.Context, p Publisher, event string, payload interface{}, topics ...string) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, topic := range topics {
		if err := p.Publish(ctx, topic, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
