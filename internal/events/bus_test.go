package events

import "testing"

func TestPublishReachesTopicAndWildcard(t *testing.T) {
	b := NewBus()
	topic, unsubTopic := b.Subscribe(EventIncident, 1)
	defer unsubTopic()
	all, unsubAll := b.SubscribeAll(4)
	defer unsubAll()

	b.Publish(EventIncident, "snap-1")
	b.Publish(EventAudit, "entry-1")

	if got := <-topic; got != "snap-1" {
		t.Fatalf("topic payload=%v", got)
	}
	first, second := <-all, <-all
	if first.Topic != EventIncident || second.Topic != EventAudit {
		t.Fatalf("wildcard order: %s, %s", first.Topic, second.Topic)
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := NewBus()
	_, unsub := b.Subscribe(EventAudit, 1)
	b.Publish(EventAudit, 1)
	b.Publish(EventAudit, 2)
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d", b.Dropped())
	}
	unsub()
	unsub()
	b.Publish(EventAudit, 3)
}
