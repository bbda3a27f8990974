// Package telemetry holds the metric keys and labels shared by the relay,
// the dispatcher and the reaper, and builds the go-metrics sink they emit to.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricConnAcceptedCount    = []string{"relaychat", "conn", "accepted", "count"}
	MetricConnRejectedCount    = []string{"relaychat", "conn", "rejected", "count"}
	MetricConnAcceptErrorCount = []string{"relaychat", "conn", "accept", "error", "count"}
	MetricClientsActive        = []string{"relaychat", "clients", "active"}
	MetricClientEvictedCount   = []string{"relaychat", "client", "evicted", "count"}

	MetricRelayFrameOutCount      = []string{"relaychat", "relay", "frame", "out", "count"}
	MetricRelayFrameOutBytes      = []string{"relaychat", "relay", "frame", "out", "bytes"}
	MetricRelayFrameInCount       = []string{"relaychat", "relay", "frame", "in", "count"}
	MetricRelayFrameInBytes       = []string{"relaychat", "relay", "frame", "in", "bytes"}
	MetricRelayMalformedCount     = []string{"relaychat", "relay", "frame", "malformed", "count"}
	MetricRelayUnknownSenderCount = []string{"relaychat", "relay", "frame", "unknown", "sender", "count"}

	MetricBroadcastCount      = []string{"relaychat", "broadcast", "count"}
	MetricBroadcastRecipients = []string{"relaychat", "broadcast", "recipients"}

	MetricIsolateSpawnedCount = []string{"relaychat", "isolate", "spawned", "count"}
	MetricIsolateReapedCount  = []string{"relaychat", "isolate", "reaped", "count"}
	MetricIsolateLifetimeMs   = []string{"relaychat", "isolate", "lifetime", "ms"}
)

// Label is used both as a metric label name and a structured log key.
type Label string

var (
	LabelError     Label = "error"
	LabelHandle    Label = "handle"
	LabelSlot      Label = "slot"
	LabelSession   Label = "session"
	LabelName      Label = "name"
	LabelTransport Label = "transport"
	LabelRemote    Label = "remote"
	LabelReason    Label = "reason"
	LabelKind      Label = "kind"
)

func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
