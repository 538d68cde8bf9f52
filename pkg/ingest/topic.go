package ingest

import "strings"

// TopicMatches reports whether topic is covered by an MQTT subscription
// filter. "+" matches exactly one level and a trailing "#" matches the
// parent level and everything below it.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// TopicFilter is an allow-list of subscription filters. The zero value
// allows every topic.
type TopicFilter []string

// Allows reports whether any filter matches topic
func (tf TopicFilter) Allows(topic string) bool {
	if len(tf) == 0 {
		return true
	}
	for _, filter := range tf {
		if TopicMatches(filter, topic) {
			return true
		}
	}
	return false
}
