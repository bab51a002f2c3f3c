// Package controller runs the adaptive evasion loop: perform an attempt,
// classify it, rotate profile or proxy, back off, and retry until the
// retry budget is spent.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tls-chameleon/internal/backoff"
	"github.com/tls-chameleon/internal/rotation"
	"github.com/tls-chameleon/internal/session"
	"github.com/tls-chameleon/internal/transport"
	"github.com/tls-chameleon/internal/types"
)

// Transport is the only network capability the controller uses
type Transport interface {
	Perform(ctx context.Context, call *transport.Call) (*types.Exchange, error)
}

// Outcome is the terminal state of one logical request
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeExhausted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

type state int

const (
	stateIdle state = iota
	stateAttempting
	stateRetrying
	stateSuccess
	stateExhausted
	stateFailed
)

// Result is returned by Do in every case, including errors
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Exchange is the final exchange; nil when the outcome is failed
	Exchange  *types.Exchange       `json:"exchange,omitempty"`
	Attempts  []types.AttemptRecord `json:"attempts"`
	Rotations int                   `json:"rotations"`
	Profile   string                `json:"profile"`
	Proxy     string                `json:"proxy,omitempty"`
}

// Observer receives one record per attempt. Panics are recovered.
type Observer interface {
	ObserveAttempt(rec types.AttemptRecord)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(rec types.AttemptRecord)

func (f ObserverFunc) ObserveAttempt(rec types.AttemptRecord) { f(rec) }

// OutcomeObserver is optionally implemented by observers that also want
// the terminal result of each request
type OutcomeObserver interface {
	ObserveOutcome(res *Result)
}

type Options struct {
	Backoff *backoff.Scheduler
	// AttemptTimeout bounds a single transport call; zero means none
	AttemptTimeout time.Duration
	Logger         *log.Entry
	Observers      []Observer
}

type Controller struct {
	transport      Transport
	backoff        *backoff.Scheduler
	attemptTimeout time.Duration
	logger         *log.Entry
	observers      []Observer
}

func New(t Transport, opts Options) *Controller {
	if opts.Backoff == nil {
		opts.Backoff = backoff.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}
	return &Controller{
		transport:      t,
		backoff:        opts.Backoff,
		attemptTimeout: opts.AttemptTimeout,
		logger:         opts.Logger,
		observers:      append([]Observer(nil), opts.Observers...),
	}
}

// Do issues req through s, retrying blocked or failed attempts. The
// returned error is nil only on success; the Result is never nil.
//
//	*types.BlockedError            retries spent, last exchange was blocked
//	*types.TransportExhaustedError no exchange was ever obtained
//	*types.ProxyPoolExhaustedError every proxy died twice
//	context errors                 ctx ended during an attempt or backoff
func (c *Controller) Do(ctx context.Context, s *session.State, req types.RequestSpec) (*Result, error) {
	res := &Result{}
	maxAttempts := s.MaxRetries() + 1
	mode := s.Mode()

	var (
		st        = stateIdle
		attempt   int
		delay     time.Duration
		lastEx    *types.Exchange
		lastTrErr error
		failure   error
	)

	for {
		switch st {
		case stateIdle:
			st = stateAttempting

		case stateAttempting:
			if err := ctx.Err(); err != nil {
				failure, st = err, stateFailed
				continue
			}
			if err := rotation.Initial(s); err != nil {
				failure, st = err, stateFailed
				continue
			}

			used := s.Selection()
			attempt++
			res.Profile = used.Profile.Name
			res.Proxy = ""
			if used.Proxy != nil {
				res.Proxy = used.Proxy.Display
			}

			began := time.Now()
			ex, err := c.perform(ctx, s, used, req)
			if ctx.Err() != nil {
				// cancelled mid-attempt: leave rotation state as it is
				failure, st = ctx.Err(), stateFailed
				continue
			}

			verdict := s.Rules().Classify(ex, err)
			s.RecordAttempt(verdict == types.VerdictBlocked)
			rec := types.AttemptRecord{
				Attempt:   attempt,
				Profile:   res.Profile,
				Proxy:     res.Proxy,
				Verdict:   verdict,
				Elapsed:   time.Since(began),
				SessionID: s.ID,
			}
			if err != nil {
				rec.Error = err.Error()
				lastTrErr = err
			} else {
				rec.StatusCode = ex.StatusCode
				lastEx = ex
			}

			if verdict == types.VerdictOK {
				rotation.Settle(s, used, verdict, mode)
				c.emit(res, rec)
				st = stateSuccess
				continue
			}

			if attempt >= maxAttempts {
				rotation.Settle(s, used, verdict, mode)
				c.emit(res, rec)
				if lastEx == nil {
					st = stateFailed
				} else {
					st = stateExhausted
				}
				continue
			}

			act, err := rotation.Decide(s, used, verdict, mode)
			if err != nil {
				rec.Error = joinErr(rec.Error, err)
				c.emit(res, rec)
				failure, st = err, stateFailed
				continue
			}
			if act.Rotated() {
				res.Rotations++
			}

			delay = 0
			if mode != types.RotateNone {
				delay = c.backoff.NextDelay(attempt, s.Preset())
			}
			rec.Delay = delay
			c.emit(res, rec)
			st = stateRetrying

		case stateRetrying:
			if err := backoff.Wait(ctx, delay); err != nil {
				failure, st = err, stateFailed
				continue
			}
			st = stateAttempting

		case stateSuccess:
			res.Outcome = OutcomeSuccess
			res.Exchange = lastEx
			c.finish(res)
			return res, nil

		case stateExhausted:
			res.Outcome = OutcomeExhausted
			res.Exchange = lastEx
			c.finish(res)
			return res, &types.BlockedError{Exchange: lastEx, Attempts: attempt}

		case stateFailed:
			res.Outcome = OutcomeFailed
			res.Exchange = nil
			if failure == nil {
				failure = &types.TransportExhaustedError{Attempts: attempt, Err: lastTrErr}
			}
			c.finish(res)
			return res, failure
		}
	}
}

func (c *Controller) perform(ctx context.Context, s *session.State, used session.Selection, req types.RequestSpec) (*types.Exchange, error) {
	call := &transport.Call{
		Profile:          used.Profile,
		Request:          req,
		Jar:              s.Jar(),
		HeaderOrder:      s.HeaderOrder(used.Profile),
		HTTP2:            s.HTTP2(used.Profile),
		RandomizeCiphers: s.RandomizeCiphers(),
	}
	if used.Proxy != nil {
		call.Proxy = used.Proxy.URL
	}

	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	ex, err := c.transport.Perform(ctx, call)
	if err == nil && ex == nil {
		err = errors.New("transport returned no exchange")
	}
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (c *Controller) emit(res *Result, rec types.AttemptRecord) {
	res.Attempts = append(res.Attempts, rec)

	entry := c.logger.WithFields(log.Fields{
		"session":  rec.SessionID,
		"attempt":  rec.Attempt,
		"profile":  rec.Profile,
		"proxy":    rec.Proxy,
		"verdict":  rec.Verdict.String(),
		"status":   rec.StatusCode,
		"delay_ms": rec.Delay.Milliseconds(),
	})
	if rec.Error != "" {
		entry = entry.WithField("error", rec.Error)
	}
	if rec.Verdict == types.VerdictOK {
		entry.Debug("attempt ok")
	} else {
		entry.Info("attempt not ok")
	}

	for _, o := range c.observers {
		safeObserve(o, rec)
	}
}

func (c *Controller) finish(res *Result) {
	c.logger.WithFields(log.Fields{
		"outcome":   res.Outcome.String(),
		"attempts":  len(res.Attempts),
		"rotations": res.Rotations,
		"profile":   res.Profile,
	}).Debug("request finished")

	for _, o := range c.observers {
		if oo, ok := o.(OutcomeObserver); ok {
			safeOutcome(oo, res)
		}
	}
}

func safeObserve(o Observer, rec types.AttemptRecord) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("observer panic: %v", r)
		}
	}()
	o.ObserveAttempt(rec)
}

func safeOutcome(o OutcomeObserver, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("outcome observer panic: %v", r)
		}
	}()
	o.ObserveOutcome(res)
}

func joinErr(prev string, err error) string {
	if prev == "" {
		return err.Error()
	}
	return prev + "; " + err.Error()
}
