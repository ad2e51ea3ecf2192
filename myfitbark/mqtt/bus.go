package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
)

// Publisher is the transport of the bus; *Client implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Bus is the hub's change-event bus. Attribute changes are published on
// <prefix>/<externalId>/<attribute>, authorization outcomes on <prefix>/auth. A value equal
// to the last one published on the same topic is not published again.
type Bus struct {
	prefix    string
	publisher Publisher
	cache     *Cache
	log       logr.Logger
}

// NewBus returns a bus; a nil publisher only logs events.
func NewBus(log logr.Logger, prefix string, publisher Publisher, cache *Cache) *Bus {
	if prefix == "" {
		prefix = myfitbark.MYFITBARK
	}
	return &Bus{
		prefix:    prefix,
		publisher: publisher,
		cache:     cache,
		log:       log.WithName("mqtt.Bus"),
	}
}

func (b *Bus) AttributeTopic(externalId string, attribute string) string {
	return fmt.Sprintf("%s/%s/%s", b.prefix, externalId, attribute)
}

func (b *Bus) AuthTopic() string {
	return b.prefix + "/auth"
}

// Attribute publishes one attribute value. A nil value publishes an empty retained
// payload, clearing the topic.
func (b *Bus) Attribute(ctx context.Context, externalId string, attribute string, value any) error {
	payload, err := encode(value)
	if err != nil {
		return fmt.Errorf("attribute %s of %s: %w", attribute, externalId, err)
	}
	return b.publish(ctx, b.AttributeTopic(externalId, attribute), payload)
}

func (b *Bus) Auth(ctx context.Context, signal myfitbark.AuthSignal) error {
	// Always published: the same outcome twice is two events.
	b.log.Info("Authorization event", "signal", signal)
	if b.publisher == nil {
		return nil
	}
	return b.publisher.Publish(ctx, b.AuthTopic(), []byte(signal))
}

// Forget drops the remembered values of an entity, e.g. once it is deleted.
func (b *Bus) Forget(externalId string, attributes ...string) {
	if b.cache == nil {
		return
	}
	for _, attr := range attributes {
		b.cache.Forget(b.AttributeTopic(externalId, attr))
	}
}

func (b *Bus) publish(ctx context.Context, topic string, payload []byte) error {
	if b.cache != nil && b.cache.Unchanged(topic, payload) {
		b.log.V(1).Info("Unchanged, not publishing", "topic", topic)
		return nil
	}
	if b.publisher == nil {
		b.log.V(1).Info("Event", "topic", topic, "payload", string(payload))
	} else if err := b.publisher.Publish(ctx, topic, payload); err != nil {
		b.log.Error(err, "Failed to publish", "topic", topic)
		return err
	}
	if b.cache != nil {
		b.cache.Store(topic, payload)
	}
	return nil
}

func encode(value any) ([]byte, error) {
	if value == nil {
		return []byte{}, nil
	}
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return []byte{}, nil
	}
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case int:
		return []byte(strconv.Itoa(v)), nil
	case *int:
		return []byte(strconv.Itoa(*v)), nil
	case time.Time:
		return []byte(v.UTC().Format(time.RFC3339)), nil
	case *time.Time:
		return []byte(v.UTC().Format(time.RFC3339)), nil
	}
	return json.Marshal(value)
}
