package obd2can

import (
	"github.com/anodyne74/obd2can/internal/protocol"
)

// maxChainedPIDs is how many service 01/02 PIDs fit into one request
// frame.
const maxChainedPIDs = 6

// requestCombination groups the requests that share one on-bus
// command. With PID chaining enabled up to six service 01/02 PIDs ride
// in a single frame; otherwise a combination carries exactly one PID.
type requestCombination struct {
	cmd           *protocol.Command
	requests      []*Request
	allowPIDChain bool
}

// addRequest attaches a request, extending the command's PID list when
// the request brings a new PID.
func (c *requestCombination) addRequest(r *Request) {
	c.requests = append(c.requests, r)

	if !c.cmd.ContainsPID(r.pid) {
		c.cmd.AddPID(r.pid)
	}
}

// removeRequest detaches a request, dropping its PID from the command
// when no other member uses it. It reports whether the combination is
// now empty, in which case the caller disposes it.
func (c *requestCombination) removeRequest(r *Request) bool {
	for i, req := range c.requests {
		if req == r {
			c.requests = append(c.requests[:i], c.requests[i+1:]...)
			break
		}
	}

	for _, req := range c.requests {
		if req.pid == r.pid {
			return false
		}
	}

	c.cmd.RemovePID(r.pid)
	return len(c.requests) == 0
}

// requestStopped stops the command once every member request has been
// stopped.
func (c *requestCombination) requestStopped() error {
	for _, r := range c.requests {
		if r.Refresh() {
			return nil
		}
	}
	return c.cmd.Stop()
}

func (c *requestCombination) requestResumed() error {
	return c.cmd.Resume()
}

func (c *requestCombination) pidCount() int {
	return c.cmd.PIDCount()
}

func (c *requestCombination) containsPID(pid uint16) bool {
	return c.cmd.ContainsPID(pid)
}

// varCount is the widest payload any member request expects for a PID;
// it is the stride used when walking a chained response buffer.
func (c *requestCombination) varCount(pid uint16) int {
	count := 0
	for _, r := range c.requests {
		if r.pid != pid {
			continue
		}
		if n := r.expectedSize(); n > count {
			count = n
		}
	}
	return count
}
