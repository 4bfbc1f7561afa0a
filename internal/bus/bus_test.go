package bus

import "testing"

func TestSubscribePublishDelivers(t *testing.T) {
	b := New()
	sub := b.Subscribe(DefaultHistory)

	b.Publish(Envelope{SourceID: "plugin-a", Packet: "one"})
	b.Publish(Envelope{SourceID: "plugin-a", Packet: "two"})

	first := <-sub
	second := <-sub
	if first.Packet != "one" || second.Packet != "two" {
		t.Fatalf("got %v, %v; want FIFO delivery of one, two", first.Packet, second.Packet)
	}
}

func TestPublishDropsOnFullSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(1) // raised to the DefaultHistory floor

	for i := 0; i < DefaultHistory; i++ {
		b.Publish(Envelope{Packet: "keep"})
	}
	b.Publish(Envelope{Packet: "dropped"}) // buffer full, non-blocking drop

	for i := 0; i < DefaultHistory; i++ {
		got := <-sub
		if got.Packet != "keep" {
			t.Fatalf("got %v, want keep", got.Packet)
		}
	}
	select {
	case extra := <-sub:
		t.Fatalf("unexpected extra delivery %v", extra.Packet)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(DefaultHistory)
	b.Unsubscribe(sub)

	if _, open := <-sub; open {
		t.Fatal("expected channel to be closed after unsubscribe")
	}

	// Idempotent: calling again must not panic.
	b.Unsubscribe(sub)
}

func TestPublishNilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(Envelope{Packet: "x"}) // must not panic
	if b.SubscriberCount() != 0 {
		t.Fatal("nil bus should report zero subscribers")
	}
}

func TestSubscribeEnforcesMinimumHistory(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	for i := 0; i < DefaultHistory; i++ {
		b.Publish(Envelope{Packet: i})
	}
	drained := 0
	for {
		select {
		case <-sub:
			drained++
		default:
			if drained != DefaultHistory {
				t.Fatalf("drained %d packets, want %d (history floor not applied)", drained, DefaultHistory)
			}
			return
		}
	}
}
