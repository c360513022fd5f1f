package call

import (
	"context"

	"github.com/looplab/fsm"
)

// State состояние звонка
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateRinging     State = "ringing"
	StateEstablished State = "established"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
	StateFailed      State = "failed"
)

func (s State) String() string {
	return string(s)
}

// IsFinal звонок завершен и больше не меняет состояние
func (s State) IsFinal() bool {
	return s == StateTerminated || s == StateFailed
}

// События автомата
const (
	eventInvite     = "invite"
	eventRinging    = "ringing"
	eventAnswer     = "answer"
	eventHangup     = "hangup"
	eventTerminated = "terminated"
	eventFail       = "fail"
)

// newStateMachine создает автомат состояний звонка.
//
//	Idle -> Negotiating -> Ringing -> Established -> Terminating -> Terminated
//	Negotiating/Ringing -> Terminating (CANCEL)
//	Idle/Negotiating/Ringing/Terminating -> Failed
func newStateMachine(onTransition func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventInvite, Src: []string{string(StateIdle)}, Dst: string(StateNegotiating)},
			{Name: eventRinging, Src: []string{string(StateNegotiating)}, Dst: string(StateRinging)},
			{Name: eventAnswer, Src: []string{string(StateNegotiating), string(StateRinging)}, Dst: string(StateEstablished)},
			{Name: eventHangup, Src: []string{
				string(StateNegotiating),
				string(StateRinging),
				string(StateEstablished),
			}, Dst: string(StateTerminating)},
			{Name: eventTerminated, Src: []string{string(StateTerminating)}, Dst: string(StateTerminated)},
			{Name: eventFail, Src: []string{
				string(StateIdle),
				string(StateNegotiating),
				string(StateRinging),
				string(StateTerminating),
			}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onTransition(State(e.Src), State(e.Dst))
			},
		},
	)
}
