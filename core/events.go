package core

import "fmt"

type RouterEvent int

// trace events

const (
	SpfRunStarted RouterEvent = iota
	SpfRunComplete
	NodeSettled
	PartialRun
	ChangeDelivered
	ChangeSuppressed
	PrefixApplied
	RouteAdded
	RouteChanged
	RouteUpdated
	RouteSwept
	BackupComputed
	LabelResolved
	TableInstalled
)

// warn events

const (
	StructuralViolation RouterEvent = iota + 1000
	InstallFailed
	ResolveFailed
	EcmpTruncated
	RunRejected
)

func (e RouterEvent) String() string {
	switch e {
	case SpfRunStarted:
		return "SPF_RUN_STARTED"
	case SpfRunComplete:
		return "SPF_RUN_COMPLETE"
	case NodeSettled:
		return "NODE_SETTLED"
	case PartialRun:
		return "PARTIAL_RUN"
	case ChangeDelivered:
		return "CHANGE_DELIVERED"
	case ChangeSuppressed:
		return "CHANGE_SUPPRESSED"
	case PrefixApplied:
		return "PREFIX_APPLIED"
	case RouteAdded:
		return "ROUTE_ADDED"
	case RouteChanged:
		return "ROUTE_CHANGED"
	case RouteUpdated:
		return "ROUTE_UPDATED"
	case RouteSwept:
		return "ROUTE_SWEPT"
	case BackupComputed:
		return "BACKUP_COMPUTED"
	case LabelResolved:
		return "LABEL_RESOLVED"
	case TableInstalled:
		return "TABLE_INSTALLED"
	case StructuralViolation:
		return "STRUCTURAL_VIOLATION"
	case InstallFailed:
		return "INSTALL_FAILED"
	case ResolveFailed:
		return "RESOLVE_FAILED"
	case EcmpTruncated:
		return "ECMP_TRUNCATED"
	case RunRejected:
		return "RUN_REJECTED"
	}
	return fmt.Sprintf("EVENT(%d)", int(e))
}

// Warn reports whether the event signals something an operator should look at.
func (e RouterEvent) Warn() bool {
	return e >= StructuralViolation
}

// TraceOptions selects which trace categories are logged.
type TraceOptions uint16

const (
	TraceDijkstra TraceOptions = 1 << iota
	TraceRouteCalculation
	TraceRouteInstallation
	TraceBackup
	TracePrefix
	TraceFlood

	TraceNone TraceOptions = 0
	TraceAll               = TraceDijkstra | TraceRouteCalculation | TraceRouteInstallation | TraceBackup |
		TracePrefix | TraceFlood
)

var traceNames = map[string]TraceOptions{
	"dijkstra":   TraceDijkstra,
	"route-calc": TraceRouteCalculation,
	"route-inst": TraceRouteInstallation,
	"backup":     TraceBackup,
	"prefix":     TracePrefix,
	"flood":      TraceFlood,
	"all":        TraceAll,
}

// ParseTraceOptions turns trace category names into a TraceOptions set.
func ParseTraceOptions(names []string) (TraceOptions, error) {
	var t TraceOptions
	for _, n := range names {
		opt, ok := traceNames[n]
		if !ok {
			return 0, fmt.Errorf("unknown trace category %q", n)
		}
		t |= opt
	}
	return t, nil
}

func (e RouterEvent) category() TraceOptions {
	switch e {
	case SpfRunStarted, SpfRunComplete, NodeSettled:
		return TraceDijkstra
	case PartialRun, RouteAdded, RouteChanged, RouteUpdated, RouteSwept:
		return TraceRouteCalculation
	case LabelResolved, TableInstalled:
		return TraceRouteInstallation
	case BackupComputed:
		return TraceBackup
	case PrefixApplied:
		return TracePrefix
	case ChangeDelivered, ChangeSuppressed:
		return TraceFlood
	}
	return TraceAll
}
