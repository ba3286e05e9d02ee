package retry

import "time"

// State tracks one logical operation across its attempts.
type State struct {
	policy *Policy
	start  time.Time
	now    func() time.Time
}

// NewState starts the clock of a logical operation. now defaults to time.Now.
func NewState(cfg Config, now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{
		policy: NewPolicy(cfg),
		start:  now(),
		now:    now,
	}
}

// Next asks the policy about err using the time elapsed since the start.
func (s *State) Next(err error) Decision {
	return s.policy.Next(err, s.Elapsed())
}

// Elapsed returns the time since the operation started.
func (s *State) Elapsed() time.Duration {
	return s.now().Sub(s.start)
}

// Attempts returns the number of failed attempts seen so far.
func (s *State) Attempts() int {
	return s.policy.Attempts()
}

// Deadline returns the effective deadline.
func (s *State) Deadline() time.Duration {
	return s.policy.Config().Deadline
}
