// Package telemetry provides semantic conventions for fabric observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for fabric-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrTopic identifies the topic a registry/adapter/tracker operation concerns.
	AttrTopic = attribute.Key("topic")
	// AttrNode identifies the node name an operation originated from or targets.
	AttrNode = attribute.Key("node")
	// AttrInstance identifies the PubSub/Tracker instance name.
	AttrInstance = attribute.Key("instance")
	// AttrShard labels a registry, adapter, or tracker shard index.
	AttrShard = attribute.Key("shard")
	// AttrDispatcher identifies the dispatcher id used for a broadcast.
	AttrDispatcher = attribute.Key("dispatcher")
	// AttrOperation differentiates specific operations (subscribe, broadcast, track, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (ok, error class, dropped, ...).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorCode categorizes failures by errs.Code.
	AttrErrorCode = attribute.Key("error.code")
	// AttrPeerState labels a peer shard's presence state machine value.
	AttrPeerState = attribute.Key("peer.state")
)

// Helper functions for creating common attribute sets.

// RegistryAttributes returns attributes for registry metrics.
func RegistryAttributes(environment, instance, topic string, shard int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstance.String(instance),
		AttrTopic.String(topic),
		AttrShard.Int(shard),
	}
}

// BroadcastAttributes returns attributes for adapter broadcast metrics.
func BroadcastAttributes(environment, instance, topic, dispatcher string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstance.String(instance),
		AttrTopic.String(topic),
	}
	if dispatcher != "" {
		attrs = append(attrs, AttrDispatcher.String(dispatcher))
	}
	return attrs
}

// TrackerAttributes returns attributes for tracker metrics.
func TrackerAttributes(environment, instance, topic string, shard int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstance.String(instance),
		AttrTopic.String(topic),
		AttrShard.Int(shard),
	}
}

// PeerAttributes returns attributes for tracker peer lifecycle metrics.
func PeerAttributes(environment, instance, node, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstance.String(instance),
		AttrNode.String(node),
		AttrPeerState.String(state),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, operation, code string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrErrorCode.String(code),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, instance, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstance.String(instance),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
