package process

import (
	"fmt"
	"strings"
	"time"
)

// StopAction is one escalation step applied to a running process.
type StopAction int

const (
	// StopNoop skips the step entirely.
	StopNoop StopAction = iota
	// StopWait only waits for the step's timeout.
	StopWait
	// StopTerminate requests graceful termination (SIGTERM) and waits.
	StopTerminate
	// StopKill requests forcible termination (SIGKILL) and waits.
	StopKill
)

// String returns the action name.
func (a StopAction) String() string {
	switch a {
	case StopNoop:
		return "noop"
	case StopWait:
		return "wait"
	case StopTerminate:
		return "terminate"
	case StopKill:
		return "kill"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ParseStopAction parses an action name as produced by String.
func ParseStopAction(s string) (StopAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "noop", "":
		return StopNoop, nil
	case "wait":
		return StopWait, nil
	case "terminate", "term":
		return StopTerminate, nil
	case "kill":
		return StopKill, nil
	default:
		return StopNoop, fmt.Errorf("unknown stop action %q", s)
	}
}

// StopStep pairs an action with the grace period allowed after it.
type StopStep struct {
	Action  StopAction
	Timeout time.Duration
}

// StopSequence is an ordered escalation policy. Steps run until the
// process is observed to exit.
type StopSequence []StopStep

// DefaultDestroySequence is applied by Close to a still-running process.
func DefaultDestroySequence() StopSequence {
	return StopSequence{
		{Action: StopKill, Timeout: 0},
		{Action: StopKill, Timeout: 0},
		{Action: StopTerminate, Timeout: 0},
	}
}

// GracefulStopSequence asks politely first: SIGTERM, wait grace, then SIGKILL.
func GracefulStopSequence(grace time.Duration) StopSequence {
	return StopSequence{
		{Action: StopTerminate, Timeout: grace},
		{Action: StopKill, Timeout: WaitInfinite},
	}
}

// String formats the sequence as "kill/0s,terminate/5s".
func (seq StopSequence) String() string {
	parts := make([]string, len(seq))
	for i, step := range seq {
		parts[i] = fmt.Sprintf("%s/%s", step.Action, step.Timeout)
	}
	return strings.Join(parts, ",")
}
