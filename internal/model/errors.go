package model

import (
	"context"
	"errors"
)

var (
	// ErrValidation marks malformed signals or configuration. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrRiskRejected marks a policy refusal.
	ErrRiskRejected = errors.New("risk rejected")
	// ErrTransientTransport marks broker or store timeouts worth retrying.
	ErrTransientTransport = errors.New("transient transport error")
	// ErrConflict marks a transition the state machine cannot apply.
	ErrConflict = errors.New("conflict")
	// ErrLeadershipLost marks an entry attempted without a valid lease.
	ErrLeadershipLost = errors.New("leadership lost")
	// ErrInconsistent marks a detected duplicate or orphan.
	ErrInconsistent = errors.New("inconsistent state")
)

// ErrorKind is the taxonomy label used in logs and API responses.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindValidation   ErrorKind = "VALIDATION"
	KindRiskRejected ErrorKind = "RISK_REJECTED"
	KindTransient    ErrorKind = "TRANSIENT_TRANSPORT"
	KindConflict     ErrorKind = "CONFLICT"
	KindLeadership   ErrorKind = "LEADERSHIP_LOST"
	KindInconsistent ErrorKind = "INCONSISTENT"
	KindInternal     ErrorKind = "INTERNAL"
)

// Kind classifies err against the taxonomy.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrRiskRejected):
		return KindRiskRejected
	case errors.Is(err, ErrTransientTransport), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrLeadershipLost):
		return KindLeadership
	case errors.Is(err, ErrInconsistent):
		return KindInconsistent
	}
	return KindInternal
}
