// Package kafka is a Kafka client with a batching producer and a consumer
// group member.
//
// The client code is in the subpackages. This package is a façade: Client
// owns the connections to a cluster and creates producers and consumers
// sharing them, and the common record types are reexported here. Code
// outside kafka/ should rarely need the subpackages other than producer and
// consumer for their configuration.
package kafka
