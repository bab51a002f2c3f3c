// Package rotation decides what a session changes after each attempt
package rotation

import (
	"github.com/tls-chameleon/internal/session"
	"github.com/tls-chameleon/internal/types"
)

// Action reports what Decide changed
type Action struct {
	ProfileRotated bool
	ProxyRotated   bool
	// ProxyHealth is the used proxy's state after marking; unknown when
	// the attempt was direct or nothing was marked
	ProxyHealth types.HealthState
}

// Rotated reports whether anything moved
func (a Action) Rotated() bool {
	return a.ProfileRotated || a.ProxyRotated
}

// Decide applies one verdict to the session. used is the selection the
// attempt was made with, which may differ from the session's current
// selection when requests run concurrently.
func Decide(s *session.State, used session.Selection, verdict types.Verdict, mode types.RotationMode) (Action, error) {
	act := Action{ProxyHealth: Settle(s, used, verdict, mode)}
	if mode == types.RotateNone || verdict == types.VerdictOK {
		return act, nil
	}

	if mode.RotatesProfile() {
		act.ProfileRotated = s.AdvanceProfile(used.ProfileIndex)
	}

	if mode.RotatesProxy() {
		moved, err := s.AdvanceProxy(used.ProxyIndex)
		if err != nil {
			return act, err
		}
		act.ProxyRotated = moved
	}

	if act.Rotated() {
		s.RecordRotation()
	}
	return act, nil
}

// Settle records the verdict against the used proxy without rotating.
// It returns the proxy's new state, or unknown when nothing was marked.
func Settle(s *session.State, used session.Selection, verdict types.Verdict, mode types.RotationMode) types.HealthState {
	pool := s.Pool()
	if mode == types.RotateNone || pool == nil || used.Proxy == nil {
		return types.HealthUnknown
	}
	if verdict == types.VerdictOK {
		pool.MarkSuccess(used.ProxyIndex)
		return types.HealthHealthy
	}
	return pool.MarkFailure(used.ProxyIndex)
}

// Initial makes sure a session with a pool has a live proxy selected
// before an attempt
func Initial(s *session.State) error {
	return s.EnsureProxy()
}
