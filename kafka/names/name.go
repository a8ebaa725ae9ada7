// Package names validates topic names and consumer group ids.
package names

import (
	"errors"
	"fmt"
	"regexp"
)

var reValidTopicName = regexp.MustCompile(`^[-_.a-zA-Z0-9]+$`)

// ValidateTopicName returns an error if the given topic name is invalid.
//
// Mirrors org.apache.kafka.common.internals.Topic.validate
// https://github.com/apache/kafka/blob/trunk/clients/src/main/java/org/apache/kafka/common/internals/Topic.java#L36
func ValidateTopicName(name string) error {
	if name == "" {
		return errors.New("topic name cannot be empty")
	}
	if name == "." || name == ".." {
		return errors.New(`topic name cannot be "." or ".."`)
	}
	if len(name) > 249 {
		return errors.New("topic name cannot be longer than 249 characters")
	}
	if !reValidTopicName.MatchString(name) {
		return fmt.Errorf("invalid topic name: %s (must match %s)", name, reValidTopicName)
	}
	return nil
}

// ValidateGroupID returns an error if the given consumer group id is invalid
func ValidateGroupID(id string) error {
	if id == "" {
		return errors.New("group id cannot be empty")
	}
	if len(id) > 255 {
		return errors.New("group id cannot be longer than 255 characters")
	}
	return nil
}

// DefaultGroupID is the consumer group id used when none is configured
func DefaultGroupID(topic string) string {
	return topic + "-group-0"
}
