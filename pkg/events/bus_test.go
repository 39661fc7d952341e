package events

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishInvokesHandlersInRegistrationOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe(KindTaskCreated, func(e Event) { order = append(order, "first") })
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe(KindTaskCreated, func(e Event) { order = append(order, "second") })

	bus.Publish(New(KindTaskCreated, nil))

	assert.Equal(t, []string{"first", "wildcard", "second"}, order)
}

func TestPublishSkipsNonMatchingKinds(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe(KindTaskCompleted, func(e Event) { calls++ })

	bus.Publish(New(KindTaskCreated, nil))
	assert.Zero(t, calls)

	bus.Publish(New(KindTaskCompleted, nil))
	assert.Equal(t, 1, calls)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsubscribe := bus.Subscribe(KindMessage, func(e Event) { calls++ })

	bus.Publish(New(KindMessage, nil))
	unsubscribe()
	bus.Publish(New(KindMessage, nil))

	assert.Equal(t, 1, calls)
}

func TestHandlerPanicDoesNotAbortOthers(t *testing.T) {
	bus := NewBus()

	var after []string
	bus.Subscribe(KindEscalation, func(e Event) { panic("boom") })
	bus.Subscribe(KindEscalation, func(e Event) { after = append(after, "ran") })

	assert.NotPanics(t, func() { bus.Publish(New(KindEscalation, nil)) })
	assert.Equal(t, []string{"ran"}, after)
}

func TestTopicFilter(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.SubscribeTopic(KindMention, TopicAgents, func(e Event) {
		got = append(got, e.ID)
	})

	// Matching: family topic matches per-agent topic.
	matching := New(KindMention, nil, AgentTopic(7))
	bus.Publish(matching)

	// Not matching: different family.
	bus.Publish(New(KindMention, nil, CircleTopic("research")))

	require.Len(t, got, 1)
	assert.Equal(t, matching.ID, got[0])
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		subscriber string
		event      string
		want       bool
	}{
		{"agents", "agents", true},
		{"agents", "agents:7", true},
		{"agents:*", "agents:7", true},
		{"agents:7", "agents:7", true},
		{"agents:7", "agents:8", false},
		{"agents", "circles:research", false},
		{"circles", "circles:research", true},
		{"circles:research", "circles", false},
	}
	for _, tt := range tests {
		t.Run(tt.subscriber+"/"+tt.event, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicMatches(tt.subscriber, tt.event))
		})
	}
}

func TestSinglePublisherOrderingPerHandler(t *testing.T) {
	bus := NewBus()

	var seen []int
	bus.Subscribe(KindTaskStep, func(e Event) {
		seen = append(seen, e.Payload["n"].(int))
	})

	for i := 0; i < 100; i++ {
		bus.Publish(New(KindTaskStep, map[string]any{"n": i}))
	}

	require.Len(t, seen, 100)
	for i, n := range seen {
		assert.Equal(t, i, n)
	}
}

func TestNestedPublishHistoryFollowsTrigger(t *testing.T) {
	bus := NewBus()

	// A handler that publishes in reaction to its event: the reaction must
	// land after the trigger in the history ring.
	bus.Subscribe(KindTaskCreated, func(e Event) {
		bus.Publish(New(KindTaskAssigned, nil))
	})
	bus.Publish(New(KindTaskCreated, nil))

	all := bus.History("", 0)
	require.Len(t, all, 2)
	assert.Equal(t, KindTaskCreated, all[0].Kind)
	assert.Equal(t, KindTaskAssigned, all[1].Kind)
}

func TestHistoryBoundedAndFiltered(t *testing.T) {
	bus := NewBusWithHistory(8)

	for i := 0; i < 20; i++ {
		kind := KindTaskCreated
		if i%2 == 1 {
			kind = KindTaskCompleted
		}
		bus.Publish(New(kind, map[string]any{"n": i}))
	}

	all := bus.History("", 0)
	require.Len(t, all, 8)
	// Oldest retained entry is event 12.
	assert.Equal(t, 12, all[0].Payload["n"])
	assert.Equal(t, 19, all[7].Payload["n"])

	completed := bus.History(KindTaskCompleted, 2)
	require.Len(t, completed, 2)
	assert.Equal(t, 17, completed[0].Payload["n"])
	assert.Equal(t, 19, completed[1].Payload["n"])
}

func TestConcurrentPublishersPerHandlerFIFO(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	perPublisher := make(map[string][]int)
	bus.Subscribe(KindTaskStep, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		src := e.Payload["publisher"].(string)
		perPublisher[src] = append(perPublisher[src], e.Payload["n"].(int))
	})

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			name := fmt.Sprintf("pub-%d", p)
			for i := 0; i < 50; i++ {
				bus.Publish(New(KindTaskStep, map[string]any{"publisher": name, "n": i}))
			}
		}(p)
	}
	wg.Wait()

	// Each publisher's events arrive in publication order.
	for name, ns := range perPublisher {
		require.Len(t, ns, 50, name)
		for i, n := range ns {
			assert.Equal(t, i, n, name)
		}
	}
}
