package broker

import (
	"context"
	"errors"
	"net"
)

var (
	ErrConnectionLost       = errors.New("broker connection lost")
	ErrAPI                  = errors.New("broker api error")
	ErrProposalRejected     = errors.New("proposal rejected")
	ErrTradeExecutionFailed = errors.New("trade execution failed")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrTimeout              = errors.New("broker call timed out")
)

// Kind is the error taxonomy used by the orchestrator
type Kind string

const (
	KindNone                 Kind = ""
	KindConnectionLost       Kind = "CONNECTION_LOST"
	KindAPI                  Kind = "API_ERROR"
	KindProposalRejected     Kind = "PROPOSAL_REJECTED"
	KindTradeExecutionFailed Kind = "TRADE_EXECUTION_FAILED"
	KindInsufficientBalance  Kind = "INSUFFICIENT_BALANCE"
	KindTimeout              Kind = "TIMEOUT"
)

// Critical reports whether the kind means the venue itself is unusable
func (k Kind) Critical() bool {
	return k == KindConnectionLost
}

// Classify maps err onto the taxonomy. Unknown errors are API errors.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	switch {
	case errors.Is(err, ErrConnectionLost):
		return KindConnectionLost
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrProposalRejected):
		return KindProposalRejected
	case errors.Is(err, ErrTradeExecutionFailed):
		return KindTradeExecutionFailed
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrAPI):
		return KindAPI
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectionLost
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectionLost
	}

	return KindAPI
}
