package routelink

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricFragmentAllocCount        = []string{"routelink", "fragment", "alloc", "count"}
	MetricFragmentAllocErrorCount   = []string{"routelink", "fragment", "alloc", "error", "count"}
	MetricFragmentFreeCount         = []string{"routelink", "fragment", "free", "count"}
	MetricLinkStateAllocCount       = []string{"routelink", "link_state", "alloc", "count"}
	MetricCapacityRequestCount      = []string{"routelink", "capacity", "request", "count"}
	MetricCapacityRequestErrorCount = []string{"routelink", "capacity", "request", "error", "count"}
	MetricBlockBufferAddedCount     = []string{"routelink", "block_buffer", "added", "count"}
	MetricBlockCapacityBytes        = []string{"routelink", "block", "capacity", "bytes"}
	MetricParcelOutCount            = []string{"routelink", "parcel", "out", "count"}
	MetricParcelOutBytes            = []string{"routelink", "parcel", "out", "bytes"}
	MetricMessageInCount            = []string{"routelink", "message", "in", "count"}
	MetricMessageInDroppedCount     = []string{"routelink", "message", "in", "dropped", "count"}
	MetricMessageOutErrorCount      = []string{"routelink", "message", "out", "error", "count"}
	MetricProtocolViolationCount    = []string{"routelink", "protocol", "violation", "count"}
	MetricNodeLinkEstCount          = []string{"routelink", "node_link", "established", "count"}
	MetricTransportInBytes          = []string{"routelink", "transport", "in", "bytes"}
	MetricTransportOutBytes         = []string{"routelink", "transport", "out", "bytes"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelNodeName  TelemetryLabel = "node_name"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerHost  TelemetryLabel = "peer_host"
	LabelSublink   TelemetryLabel = "sublink"
	LabelBufferID  TelemetryLabel = "buffer_id"
	LabelBlockSize TelemetryLabel = "block_size"
	LabelLinkSide  TelemetryLabel = "link_side"
	LabelLinkType  TelemetryLabel = "link_type"
	LabelMsgType   TelemetryLabel = "msg_type"
	LabelDuration  TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns a fresh slice, so callers never share the backing
// array of the static labels.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}
