package moderation

import (
	"github.com/crowdwarn/crowdwarn/internal/errors"
)

// Status is the outcome reported to the caller of a moderation operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPending Status = "pending"
	StatusVetoed  Status = "vetoed"
	StatusError   Status = "error"
)

// Stable error codes carried by StatusError results.
const (
	CodeAlreadyRated = "already_rated"
	CodeAlreadyVoted = "already_voted"
	CodeNotFound     = "not_found"
	CodeInvalid      = "invalid"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

var (
	ErrAlreadyRated = errors.NewStd("target already rated by this user on this dimension")
	ErrAlreadyVoted = errors.NewStd("target already voted by this user")
	ErrNotFound     = errors.NewStd("target not found")
)

// Result is the structured answer of Rate and VoteDelete.
type Result struct {
	Status      Status   `json:"status"`
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message,omitempty"`
	Deleted     bool     `json:"deleted,omitempty"`
	DeleteVotes int      `json:"delete_votes,omitempty"`
	Average     *float64 `json:"average,omitempty"`
	Count       int      `json:"count,omitempty"`
}

// ResultFromError maps an operation error to a StatusError result.
func ResultFromError(err error) Result {
	r := Result{Status: StatusError, Message: err.Error()}
	switch {
	case errors.Is(err, ErrAlreadyRated):
		r.Code = CodeAlreadyRated
	case errors.Is(err, ErrAlreadyVoted):
		r.Code = CodeAlreadyVoted
	case errors.Is(err, ErrNotFound), errors.IsNotFound(err):
		r.Code = CodeNotFound
	case errors.IsCategory(err, errors.CategoryValidation):
		r.Code = CodeInvalid
	case errors.IsCategory(err, errors.CategoryExternal), errors.IsCategory(err, errors.CategoryContention):
		r.Code = CodeUnavailable
	default:
		r.Code = CodeInternal
		r.Message = "internal error"
	}
	return r
}
