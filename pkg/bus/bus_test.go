// SPDX-FileCopyrightText: 2024 Jonathan Bradshaw
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBusDeliversInOrder(t *testing.T) {
	b := New[int]()
	sub := b.Subscribe(128, Block)

	for i := 0; i < 100; i++ {
		b.Publish(i)
	}
	sub.Cancel()

	i := 0
	for v := range sub.Events() {
		if v != i {
			t.Fatalf("Out of order: expected %d, got %d", i, v)
		}
		i++
	}
	if i != 100 {
		t.Fatalf("Expected 100 events, got %d", i)
	}
}

func TestBusFanOut(t *testing.T) {
	b := New[string]()
	first := b.Subscribe(8, Block)
	second := b.Subscribe(8, Block)

	b.Publish("event")

	for _, sub := range []*Subscription[string]{first, second} {
		select {
		case v := <-sub.Events():
			if v != "event" {
				t.Fatalf("Got %q", v)
			}
		case <-time.After(time.Second):
			t.Fatal("Subscriber did not receive the event")
		}
	}
}

func TestBusBlockModeBackpressure(t *testing.T) {
	b := New[int]()
	sub := b.Subscribe(1, Block)

	b.Publish(1)

	published := make(chan struct{})
	go func() {
		b.Publish(2)
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("Publish should block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	if v := <-sub.Events(); v != 1 {
		t.Fatalf("Got %d", v)
	}

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish did not unblock after a read")
	}

	sub.Cancel()
}

func TestBusDropOldest(t *testing.T) {
	b := New[int]()
	sub := b.Subscribe(2, DropOldest)

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}
	sub.Cancel()

	var got []int
	for v := range sub.Events() {
		got = append(got, v)
	}

	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Fatalf("Expected the newest two events, got %v", got)
	}
}

func TestBusCancelUnblocksProducer(t *testing.T) {
	b := New[int]()
	sub := b.Subscribe(1, Block)

	b.Publish(1)

	published := make(chan struct{})
	go func() {
		b.Publish(2)
		close(published)
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Cancel()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Cancel did not unblock the producer")
	}
}

func TestBusCancelDrainsQueuedEvents(t *testing.T) {
	b := New[int]()
	sub := b.Subscribe(8, Block)

	b.Publish(1)
	b.Publish(2)
	sub.Cancel()

	var got []int
	for v := range sub.Events() {
		got = append(got, v)
	}
	if len(got) != 2 {
		t.Fatalf("Queued events lost on cancel: %v", got)
	}

	// After cancellation nothing new arrives.
	b.Publish(3)
}

func TestBusSubscribeFunc(t *testing.T) {
	b := New[int]()

	var mutex sync.Mutex
	var got []int
	done := make(chan struct{})

	sub := b.SubscribeFunc(8, func(v int) {
		mutex.Lock()
		got = append(got, v)
		mutex.Unlock()
		if v == 3 {
			close(done)
		}
	})
	defer sub.Cancel()

	for i := 1; i <= 3; i++ {
		b.Publish(i)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handler did not see all events")
	}

	mutex.Lock()
	defer mutex.Unlock()
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %v", got)
	}
}

func TestBusSubscribeFuncPanicRetainsSubscription(t *testing.T) {
	b := New[int]()

	done := make(chan struct{})
	sub := b.SubscribeFunc(8, func(v int) {
		if v == 1 {
			panic("boom")
		}
		close(done)
	})
	defer sub.Cancel()

	b.Publish(1)
	b.Publish(2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscription was not retained after a handler panic")
	}
}

func TestBusCloseCancelsEverything(t *testing.T) {
	b := New[int]()
	sub := b.Subscribe(8, Block)

	b.Close()

	if _, open := <-sub.Events(); open {
		t.Fatal("Events channel should be closed")
	}

	late := b.Subscribe(8, Block)
	if _, open := <-late.Events(); open {
		t.Fatal("Subscribe after Close should return a closed subscription")
	}

	// Publishing into a closed bus is a no-op.
	b.Publish(1)
}

func TestBusConcurrentSubscribeAndPublish(t *testing.T) {
	b := New[int]()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(1)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		sub := b.Subscribe(4, DropOldest)
		sub.Cancel()
	}

	close(stop)
	wg.Wait()
}
