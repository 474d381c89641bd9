package events

import (
	"testing"

	"github.com/relaylabs/async-sidecar/internal/envelope"
)

func TestNilPublisherIsNoOp(t *testing.T) {
	var p *Publisher
	p.PublishFinal(envelope.Envelope{JobID: "job-1"})
	if err := p.Close(); err != nil {
		t.Fatalf("expected nil error from nil publisher Close, got %v", err)
	}
}

func TestPublisherWithoutClientIsNoOp(t *testing.T) {
	p := NewPublisher(nil, nil)
	p.PublishFinal(envelope.Envelope{JobID: "job-1"})
	if err := p.Close(); err != nil {
		t.Fatalf("expected nil error from unconfigured publisher Close, got %v", err)
	}
}
