package mailbox

import "github.com/google/uuid"

// TopicPrefix prefixes topics generated by [NewTopic].
const TopicPrefix = "mailbus-"

// Topic is an opaque routing key naming one subscriber endpoint, typically
// the inbox of a single dispatcher instance. Topics compare by value.
type Topic string

// NewTopic returns a random, cluster-unique topic.
func NewTopic() Topic {
	return Topic(TopicPrefix + uuid.NewString())
}

// String returns the topic as a string.
func (t Topic) String() string {
	return string(t)
}

// IsZero reports whether the topic is empty.
func (t Topic) IsZero() bool {
	return t == ""
}
