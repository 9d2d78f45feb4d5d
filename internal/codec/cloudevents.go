package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"

	"github.com/lsm/eventsub/internal/source"
)

const (
	ceHeaderPrefix   = "ce_"
	contentTypeKey   = "content-type"
	structuredPrefix = "application/cloudevents"
)

// CloudEvents decodes CloudEvents in structured mode (a JSON envelope in
// the record value) or binary mode (attributes in ce_ headers). The event
// type selects the registered Go type for the data.
type CloudEvents struct {
	Types
}

// NewCloudEvents creates an empty CloudEvents deserializer.
func NewCloudEvents() *CloudEvents {
	return &CloudEvents{}
}

func (c *CloudEvents) Deserialize(_ context.Context, evt source.Event) (Message, error) {
	var (
		ce  cloudevents.Event
		err error
	)
	if isBinary(evt.Headers) {
		ce, err = fromBinary(evt)
	} else {
		ce, err = fromStructured(evt.Value)
	}
	if err != nil {
		return Message{}, err
	}

	factory, err := c.lookup(ce.Type())
	if err != nil {
		return Message{}, err
	}
	v := factory()
	if err := ce.DataAs(v); err != nil {
		return Message{}, fmt.Errorf("%w: decode %s data: %v", ErrMalformed, ce.Type(), err)
	}
	return Message{Type: ce.Type(), Value: v, Event: evt}, nil
}

func isBinary(headers map[string]string) bool {
	if strings.HasPrefix(lookupHeader(headers, contentTypeKey), structuredPrefix) {
		return false
	}
	_, ok := headers[ceHeaderPrefix+"type"]
	return ok
}

func fromStructured(value []byte) (cloudevents.Event, error) {
	var ce cloudevents.Event
	if err := json.Unmarshal(value, &ce); err != nil {
		return ce, fmt.Errorf("%w: cloudevent envelope: %v", ErrMalformed, err)
	}
	if err := ce.Validate(); err != nil {
		return ce, fmt.Errorf("%w: cloudevent: %v", ErrMalformed, err)
	}
	return ce, nil
}

func fromBinary(evt source.Event) (cloudevents.Event, error) {
	ce := cloudevents.New(valueOr(evt.Headers[ceHeaderPrefix+"specversion"], cloudevents.CloudEventsVersionV1))
	for k, v := range evt.Headers {
		if !strings.HasPrefix(k, ceHeaderPrefix) {
			continue
		}
		switch attr := strings.TrimPrefix(k, ceHeaderPrefix); attr {
		case "specversion":
		case "type":
			ce.SetType(v)
		case "source":
			ce.SetSource(v)
		case "id":
			ce.SetID(v)
		case "subject":
			ce.SetSubject(v)
		case "dataschema":
			ce.SetDataSchema(v)
		case "time":
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return ce, fmt.Errorf("%w: ce_time: %v", ErrMalformed, err)
			}
			ce.SetTime(ts)
		default:
			// Invalid extension names surface from Validate below.
			ce.SetExtension(attr, v)
		}
	}
	contentType := valueOr(lookupHeader(evt.Headers, contentTypeKey), cloudevents.ApplicationJSON)
	if err := ce.SetData(contentType, evt.Value); err != nil {
		return ce, fmt.Errorf("%w: cloudevent data: %v", ErrMalformed, err)
	}
	if err := ce.Validate(); err != nil {
		return ce, fmt.Errorf("%w: cloudevent: %v", ErrMalformed, err)
	}
	return ce, nil
}

func lookupHeader(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
