// Package telemetry provides OpenTelemetry initialization and semantic conventions
// for connector metrics.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrVenue identifies the trading venue the signal relates to.
	AttrVenue = attribute.Key("venue")
	// AttrPair captures the normalised trading pair (e.g. ETH-BTC).
	AttrPair = attribute.Key("pair")
	// AttrEventType annotates counters with the lifecycle event classification.
	AttrEventType = attribute.Key("event.type")
	// AttrOrderSide labels order telemetry with Buy/Sell intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderState captures the normalised lifecycle state.
	AttrOrderState = attribute.Key("order.state")
	// AttrSource distinguishes the update channel (poll, stream, cancel).
	AttrSource = attribute.Key("update.source")
	// AttrOperation differentiates venue operations (place_order, cancel_order, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// EventAttributes returns common attributes for lifecycle event metrics.
func EventAttributes(environment, eventType, venue, pair string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrVenue.String(venue),
	}
	if pair != "" {
		attrs = append(attrs, AttrPair.String(pair))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, venue, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, venue, operation, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrOperation.String(operation),
		AttrErrorType.String(errorType),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, venue, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrConnectionState.String(state),
	}
}
