package tunnel

import "github.com/luciancaetano/ktunnel"

// transitions lists every edge of the connection state machine.
var transitions = map[ktunnel.State][]ktunnel.State{
	ktunnel.StateIdle:         {ktunnel.StateConnecting, ktunnel.StateClosed},
	ktunnel.StateConnecting:   {ktunnel.StateOpen, ktunnel.StateReconnecting, ktunnel.StateClosed},
	ktunnel.StateOpen:         {ktunnel.StateReconnecting, ktunnel.StateClosed},
	ktunnel.StateReconnecting: {ktunnel.StateConnecting, ktunnel.StateClosed},
}

func validTransition(from, to ktunnel.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
