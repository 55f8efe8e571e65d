package bus

import "testing"

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *NatsBus
	if err := b.Publish(SubjectRunQueued, Event{RunID: "r-1"}); err != nil {
		t.Fatalf("nil bus publish: %v", err)
	}
	b.Close()
	if b.IsConnected() {
		t.Fatalf("nil bus reports connected")
	}
}

func TestNilBusSubscribeFails(t *testing.T) {
	var b *NatsBus
	if err := b.Subscribe(SubjectRunQueued, "", func(Event) {}); err == nil {
		t.Fatalf("expected error subscribing on nil bus")
	}
}
