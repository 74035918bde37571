package worker

import (
	"errors"
	"fmt"
)

// State 描述 Worker 生命周期所处阶段。
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

// ErrInvalidTransition 表示生命周期状态不允许该跳转。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

var stateNames = map[State]string{
	StateParsed:     "parsed",
	StateInstalling: "installing",
	StateInstalled:  "installed",
	StateActivating: "activating",
	StateActivated:  "activated",
	StateRedundant:  "redundant",
}

// allowedTransitions 中 installed → activating 由 skip-waiting 直接触发，不经过等待期；
// parsed → activated 仅用于从磁盘恢复已激活的同一代。
var allowedTransitions = map[State][]State{
	StateParsed:     {StateInstalling, StateActivated},
	StateInstalling: {StateInstalled, StateRedundant},
	StateInstalled:  {StateActivating, StateRedundant},
	StateActivating: {StateActivated, StateRedundant},
	StateActivated:  {StateRedundant},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText 让 State 在 JSON 诊断输出中显示为名称。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func canTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
