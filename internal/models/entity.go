package models

import (
	"fmt"
	"strings"
)

type EntityKind string

const (
	EntityKindQueue             EntityKind = "queue"
	EntityKindTopicSubscription EntityKind = "topic_subscription"
)

const (
	subscriptionsSegment = "/subscriptions/"
	DeadLetterSuffix     = "/$DeadLetterQueue"
)

// Entity is a drainable target. DeadLetterDepth is a snapshot taken at locate
// time and may be stale by the time the entity is drained.
type Entity struct {
	Kind            EntityKind `json:"kind"`
	Path            string     `json:"path"`
	DeadLetterDepth int64      `json:"dead_letter_depth"`
}

func NewQueueEntity(name string, depth int64) Entity {
	return Entity{
		Kind:            EntityKindQueue,
		Path:            name,
		DeadLetterDepth: depth,
	}
}

func NewSubscriptionEntity(topic, subscription string, depth int64) Entity {
	return Entity{
		Kind:            EntityKindTopicSubscription,
		Path:            SubscriptionPath(topic, subscription),
		DeadLetterDepth: depth,
	}
}

func SubscriptionPath(topic, subscription string) string {
	return topic + subscriptionsSegment + subscription
}

// SplitSubscriptionPath is the inverse of SubscriptionPath.
func SplitSubscriptionPath(path string) (topic, subscription string, _ error) {
	topic, subscription, ok := strings.Cut(path, subscriptionsSegment)
	if !ok || topic == "" || subscription == "" {
		return "", "", fmt.Errorf("%w: not a subscription path: %q", ErrInvalidTarget, path)
	}
	return topic, subscription, nil
}

// DeadLetterAddress returns the address of the entity's dead-letter sub-queue.
func (e Entity) DeadLetterAddress() string {
	return e.Path + DeadLetterSuffix
}

// MainAddress is where redriven messages are sent. Subscriptions have no
// address of their own, so redrive goes to the owning topic.
func (e Entity) MainAddress() string {
	if e.Kind == EntityKindTopicSubscription {
		topic, _, err := SplitSubscriptionPath(e.Path)
		if err == nil {
			return topic
		}
	}
	return e.Path
}

func (e Entity) String() string {
	return e.Path
}

// Target selects which entities a run operates on. At most one of Queue and
// TopicSubscription may be set; neither means every entity in the scope.
type Target struct {
	Queue             string
	TopicSubscription string
}

func (t Target) IsAll() bool {
	return t.Queue == "" && t.TopicSubscription == ""
}

func (t Target) Validate() error {
	if t.Queue != "" && t.TopicSubscription != "" {
		return fmt.Errorf("%w: queue and topic subscription are mutually exclusive", ErrInvalidTarget)
	}
	if t.TopicSubscription != "" {
		if _, _, err := t.SplitTopicSubscription(); err != nil {
			return err
		}
	}
	return nil
}

// SplitTopicSubscription parses the "topic/subscription" form.
func (t Target) SplitTopicSubscription() (topic, subscription string, _ error) {
	parts := strings.Split(t.TopicSubscription, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: expected topic/subscription, got %q", ErrInvalidTarget, t.TopicSubscription)
	}
	return parts[0], parts[1], nil
}

func (t Target) String() string {
	switch {
	case t.Queue != "":
		return "queue " + t.Queue
	case t.TopicSubscription != "":
		return "subscription " + t.TopicSubscription
	default:
		return "all entities"
	}
}

// Scope identifies where entities are enumerated from.
type Scope struct {
	Namespace     string `json:"namespace"`
	ResourceGroup string `json:"resource_group"`
}
