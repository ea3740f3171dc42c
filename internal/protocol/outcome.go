package protocol

import (
	"errors"
	"fmt"

	"github.com/Ankesh2004/boardlink/pkg/p2p"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrTimeout     = errors.New("request timed out")
	ErrCancelled   = errors.New("request cancelled")
	ErrQueueFull   = errors.New("peer queue full")
	ErrClosed      = errors.New("protocol core closed")
)

// ApplicationError is a well-formed reply in which the remote side rejected
// the request. It is never retried.
type ApplicationError struct {
	Code    string
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("application error %s", e.Code)
	}
	return fmt.Sprintf("application error %s: %s", e.Code, e.Message)
}

type Result uint8

const (
	ResultSuccess Result = iota
	ResultApplicationError
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultApplicationError:
		return "application_error"
	case ResultFailed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Outcome is the terminal result handed to whoever issued a request.
type Outcome struct {
	Result  Result
	Payload []byte // set for ResultSuccess
	Code    string // set for ResultApplicationError
	Message string
	Failure error // set for ResultFailed, one of the Err* sentinels
}

func Success(payload []byte) Outcome {
	return Outcome{Result: ResultSuccess, Payload: payload}
}

func AppError(code, message string) Outcome {
	return Outcome{Result: ResultApplicationError, Code: code, Message: message}
}

func Failed(err error) Outcome {
	return Outcome{Result: ResultFailed, Failure: err}
}

func (o Outcome) OK() bool {
	return o.Result == ResultSuccess
}

// Err converts the outcome into an error usable with errors.Is / errors.As.
func (o Outcome) Err() error {
	switch o.Result {
	case ResultSuccess:
		return nil
	case ResultApplicationError:
		return &ApplicationError{Code: o.Code, Message: o.Message}
	default:
		if o.Failure == nil {
			return ErrCancelled
		}
		return o.Failure
	}
}

// label is the metrics/log value for the outcome.
func (o Outcome) label() string {
	if o.Result != ResultFailed {
		return o.Result.String()
	}
	switch {
	case errors.Is(o.Failure, ErrTimeout):
		return "timeout"
	case errors.Is(o.Failure, ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(o.Failure, ErrQueueFull):
		return "queue_full"
	case errors.Is(o.Failure, ErrClosed):
		return "closed"
	default:
		return "cancelled"
	}
}

func outcomeFromRPC(rpc p2p.RPC) Outcome {
	if rpc.IsError() {
		return AppError(rpc.ErrorCode, rpc.ErrorMessage)
	}
	return Success(rpc.Payload)
}
