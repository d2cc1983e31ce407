package rebalance

import (
	"github.com/segmentctl/rebalancer/pkg/events"
	"github.com/segmentctl/rebalancer/pkg/types"
)

// TriggerKind names the moments the driver reports to an Observer (spec
// §4.8).
type TriggerKind string

const (
	TriggerStart                     TriggerKind = "START"
	TriggerEVToISConvergence         TriggerKind = "EV_TO_IS_CONVERGENCE"
	TriggerIdealStateChange          TriggerKind = "IDEAL_STATE_CHANGE"
	TriggerNextAssignmentCalculation TriggerKind = "NEXT_ASSIGNMENT_CALCULATION"
	TriggerForceCommitStart          TriggerKind = "FORCE_COMMIT_START"
	TriggerForceCommitEnd            TriggerKind = "FORCE_COMMIT_END"
)

// Observer is the capability set the driver calls into (spec §4.8, §9). A
// NoopObserver must be usable as the default so the driver stays total
// without a caller-supplied implementation.
type Observer interface {
	OnTrigger(kind TriggerKind, current, target types.PlacementMap, metadata map[string]string)
	OnNoop(message string)
	OnSuccess(message string)
	OnError(message string)
	OnRollback()
	IsStopped() bool
	GetStopStatus() types.TerminalStatus
}

// NoopObserver discards every callback and never reports a stop request.
type NoopObserver struct{}

func (NoopObserver) OnTrigger(TriggerKind, types.PlacementMap, types.PlacementMap, map[string]string) {
}
func (NoopObserver) OnNoop(string)    {}
func (NoopObserver) OnSuccess(string) {}
func (NoopObserver) OnError(string)   {}
func (NoopObserver) OnRollback()      {}
func (NoopObserver) IsStopped() bool  { return false }
func (NoopObserver) GetStopStatus() types.TerminalStatus {
	return types.StatusCancelled
}

var _ Observer = NoopObserver{}

func triggerEventType(kind TriggerKind) events.EventType {
	switch kind {
	case TriggerStart:
		return events.EventTriggerStart
	case TriggerEVToISConvergence:
		return events.EventTriggerEVToISConvergence
	case TriggerIdealStateChange:
		return events.EventTriggerIdealStateChange
	case TriggerNextAssignmentCalculation:
		return events.EventTriggerNextAssignmentCalc
	case TriggerForceCommitStart:
		return events.EventTriggerForceCommitStart
	case TriggerForceCommitEnd:
		return events.EventTriggerForceCommitEnd
	default:
		return events.EventNoop
	}
}

// BroadcastObserver is the supplemented fan-out Observer: it satisfies the
// same single-callback contract as any other Observer, but republishes
// every callback onto a shared events.Broker so multiple external
// listeners (a CLI progress bar, a metrics sink, a UI) can watch one run
// without the driver knowing about any of them.
type BroadcastObserver struct {
	Table      string
	JobID      string
	Broker     *events.Broker
	StopFunc   func() bool
	StopStatus types.TerminalStatus
}

func (o *BroadcastObserver) publish(evType events.EventType, message string) {
	if o.Broker == nil {
		return
	}
	o.Broker.Publish(&events.Event{
		Type:    evType,
		Table:   o.Table,
		JobID:   o.JobID,
		Message: message,
	})
}

func (o *BroadcastObserver) OnTrigger(kind TriggerKind, _, _ types.PlacementMap, _ map[string]string) {
	o.publish(triggerEventType(kind), string(kind))
}

func (o *BroadcastObserver) OnNoop(message string)    { o.publish(events.EventNoop, message) }
func (o *BroadcastObserver) OnSuccess(message string) { o.publish(events.EventSuccess, message) }
func (o *BroadcastObserver) OnError(message string)   { o.publish(events.EventError, message) }
func (o *BroadcastObserver) OnRollback()              { o.publish(events.EventRollback, "") }

func (o *BroadcastObserver) IsStopped() bool {
	if o.StopFunc == nil {
		return false
	}
	return o.StopFunc()
}

func (o *BroadcastObserver) GetStopStatus() types.TerminalStatus {
	return o.StopStatus
}

var _ Observer = (*BroadcastObserver)(nil)
