package capture

import "testing"

func TestBusFanOut(t *testing.T) {
	b := newBus[int]()
	a, cancelA := b.subscribe(4)
	c, cancelC := b.subscribe(4)
	defer cancelA()
	defer cancelC()

	b.publish(1)
	b.publish(2)

	for _, ch := range []<-chan int{a, c} {
		if got := <-ch; got != 1 {
			t.Errorf("first value = %d, want 1", got)
		}
		if got := <-ch; got != 2 {
			t.Errorf("second value = %d, want 2", got)
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := newBus[int]()
	ch, cancel := b.subscribe(1)
	defer cancel()

	// The second publish must not block even though nobody is reading.
	b.publish(1)
	b.publish(2)

	if got := <-ch; got != 1 {
		t.Errorf("got %d, want the first value kept", got)
	}
	select {
	case v := <-ch:
		t.Errorf("unexpected buffered value %d", v)
	default:
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := newBus[int]()
	ch, cancel := b.subscribe(1)
	cancel()

	b.publish(7)
	select {
	case v := <-ch:
		t.Errorf("received %d after unsubscribe", v)
	default:
	}
}
