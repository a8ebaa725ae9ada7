package kafka

import (
	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/names"
)

// Record is the payload of a Kafka record
type Record = api.Record

// Header is a record header
type Header = api.Header

// TopicPartition identifies a partition of a topic
type TopicPartition = api.TopicPartition

// ProducerRecord is a record submitted for production
type ProducerRecord = api.ProducerRecord

// ConsumerRecord is a record returned by a consumer
type ConsumerRecord = api.ConsumerRecord

// Outcome is the result of delivering a ProducerRecord
type Outcome = api.Outcome

// ValidateTopicName returns an error if the given topic name is invalid
var ValidateTopicName = names.ValidateTopicName

// DefaultGroupID is the consumer group id used when none is configured
var DefaultGroupID = names.DefaultGroupID
