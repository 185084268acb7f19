package events

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// EventCodec decodes the JSON payload of one event type.
type EventCodec func([]byte) (Event, error)

// extensions holds decoders for event types the client does not know natively.
var extensions = struct {
	sync.RWMutex
	codecs map[string]EventCodec
}{codecs: map[string]EventCodec{}}

// RegisterEventCodec installs dec for typeName. Registered decoders take
// precedence over the built-in ones; a type can only be registered once.
func RegisterEventCodec(typeName string, dec EventCodec) error {
	extensions.Lock()
	defer extensions.Unlock()
	if _, ok := extensions.codecs[typeName]; ok {
		return errors.Errorf("event type %q already has a decoder", typeName)
	}
	extensions.codecs[typeName] = dec
	return nil
}

// RegisterEventFactory decodes typeName with json.Unmarshal into the value
// factory returns, a pointer to a struct embedding EventImpl.
func RegisterEventFactory(typeName string, factory func() Event) error {
	return RegisterEventCodec(typeName, func(b []byte) (Event, error) {
		ev := factory()
		if err := json.Unmarshal(b, ev); err != nil {
			return nil, errors.Wrapf(err, "decoding %s event", typeName)
		}
		return ev, nil
	})
}

func lookupDecoder(typeName string) EventCodec {
	extensions.RLock()
	defer extensions.RUnlock()
	return extensions.codecs[typeName]
}
