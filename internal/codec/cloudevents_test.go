package codec

import (
	"context"
	"errors"
	"testing"

	"github.com/lsm/eventsub/internal/source"
)

func newOrderEvents() *CloudEvents {
	ce := NewCloudEvents()
	ce.Register("com.example.order.placed", func() any { return new(orderPlaced) })
	return ce
}

func TestCloudEvents_Structured(t *testing.T) {
	evt := source.Event{
		Headers: map[string]string{"Content-Type": "application/cloudevents+json"},
		Value: []byte(`{
			"specversion": "1.0",
			"id": "evt-1",
			"source": "/orders",
			"type": "com.example.order.placed",
			"datacontenttype": "application/json",
			"data": {"orderId": "o-1", "amount": 3}
		}`),
	}

	msg, err := newOrderEvents().Deserialize(context.Background(), evt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != "com.example.order.placed" {
		t.Errorf("type = %q", msg.Type)
	}
	order := msg.Value.(*orderPlaced)
	if order.OrderID != "o-1" || order.Amount != 3 {
		t.Errorf("unexpected data: %+v", order)
	}
}

func TestCloudEvents_Binary(t *testing.T) {
	evt := source.Event{
		Headers: map[string]string{
			"ce_specversion": "1.0",
			"ce_id":          "evt-2",
			"ce_source":      "/orders",
			"ce_type":        "com.example.order.placed",
			"ce_time":        "2024-05-01T10:00:00Z",
			"ce_tenant":      "acme",
			"content-type":   "application/json",
		},
		Value: []byte(`{"orderId":"o-2"}`),
	}

	msg, err := newOrderEvents().Deserialize(context.Background(), evt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Value.(*orderPlaced).OrderID != "o-2" {
		t.Errorf("unexpected data: %+v", msg.Value)
	}
	if msg.Event.Headers["ce_id"] != "evt-2" {
		t.Error("message should carry the source event")
	}
}

func TestCloudEvents_Errors(t *testing.T) {
	tests := []struct {
		name string
		evt  source.Event
		want error
	}{
		{
			name: "unknown type",
			evt:  source.Event{Value: []byte(`{"specversion":"1.0","id":"1","source":"/x","type":"com.example.other"}`)},
			want: ErrUnknownMessage,
		},
		{
			name: "not an envelope",
			evt:  source.Event{Value: []byte(`not json`)},
			want: ErrMalformed,
		},
		{
			name: "missing required attributes",
			evt:  source.Event{Value: []byte(`{"specversion":"1.0","type":"com.example.order.placed"}`)},
			want: ErrMalformed,
		},
		{
			name: "binary without id",
			evt: source.Event{
				Headers: map[string]string{"ce_type": "com.example.order.placed", "ce_source": "/orders"},
				Value:   []byte(`{}`),
			},
			want: ErrMalformed,
		},
		{
			name: "binary invalid extension name",
			evt: source.Event{
				Headers: map[string]string{"ce_type": "com.example.order.placed", "ce_source": "/o", "ce_id": "1", "ce_Bad-Name": "x"},
				Value:   []byte(`{}`),
			},
			want: ErrMalformed,
		},
		{
			name: "binary bad time",
			evt: source.Event{
				Headers: map[string]string{"ce_type": "com.example.order.placed", "ce_source": "/o", "ce_id": "1", "ce_time": "yesterday"},
				Value:   []byte(`{}`),
			},
			want: ErrMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newOrderEvents().Deserialize(context.Background(), tt.evt)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}
