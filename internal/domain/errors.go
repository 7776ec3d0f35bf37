package domain

import (
	"errors"
	"fmt"
)

// Instruction errors. Every instruction fails atomically with one of these.
var (
	ErrWrongPeriod               = errors.New("bid submitted for a day that is not the current period")
	ErrAlreadyFinalized          = errors.New("auction day already finalized")
	ErrTooEarly                  = errors.New("settlement attempted before the day has elapsed")
	ErrBelowMinimumIncrement     = errors.New("bid does not meet the minimum increment")
	ErrInsufficientPoolBalance   = errors.New("insufficient refund or fee pool balance")
	ErrInsufficientEscrowBalance = errors.New("insufficient escrow balance")
	ErrNotFinalized              = errors.New("auction day not finalized")
	ErrFutureDayTooFarAhead      = errors.New("day index too far in the future")
	ErrInvalidBidAmount          = errors.New("invalid bid amount")
	ErrFeePoolExceedsLoserSum    = errors.New("fee pool exceeds loser sum")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrMathOverflow              = errors.New("math overflow")
	ErrConfigNotInitialized      = errors.New("protocol config not initialized")
	ErrConfigAlreadyInitialized  = errors.New("protocol config already initialized")
	ErrInvalidConfig             = errors.New("invalid protocol config")
	ErrInvalidInstruction        = errors.New("invalid instruction")
)

// Infrastructure errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("concurrent update conflict")
	ErrLockHeld     = errors.New("lock already held")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNonceReused  = errors.New("nonce already used")
	ErrRateLimited  = errors.New("rate limited")
)

// ErrorCode is the stable numeric identifier of an instruction error. Codes
// survive the HTTP transport so remote callers can recover the sentinel.
type ErrorCode int

const (
	CodeUnknown ErrorCode = 0

	CodeWrongPeriod               ErrorCode = 6000
	CodeAlreadyFinalized          ErrorCode = 6001
	CodeTooEarly                  ErrorCode = 6002
	CodeBelowMinimumIncrement     ErrorCode = 6003
	CodeInsufficientPoolBalance   ErrorCode = 6004
	CodeInsufficientEscrowBalance ErrorCode = 6005
	CodeNotFinalized              ErrorCode = 6006
	CodeFutureDayTooFarAhead      ErrorCode = 6007
	CodeInvalidBidAmount          ErrorCode = 6008
	CodeFeePoolExceedsLoserSum    ErrorCode = 6009
	CodeInsufficientFunds         ErrorCode = 6010
	CodeMathOverflow              ErrorCode = 6011
	CodeConfigNotInitialized      ErrorCode = 6012
	CodeConfigAlreadyInitialized  ErrorCode = 6013
	CodeInvalidConfig             ErrorCode = 6014
	CodeInvalidInstruction        ErrorCode = 6015
	CodeNotFound                  ErrorCode = 6016
	CodeConflict                  ErrorCode = 6017
)

var codeTable = []struct {
	code ErrorCode
	err  error
}{
	{CodeWrongPeriod, ErrWrongPeriod},
	{CodeAlreadyFinalized, ErrAlreadyFinalized},
	{CodeTooEarly, ErrTooEarly},
	{CodeBelowMinimumIncrement, ErrBelowMinimumIncrement},
	{CodeInsufficientPoolBalance, ErrInsufficientPoolBalance},
	{CodeInsufficientEscrowBalance, ErrInsufficientEscrowBalance},
	{CodeNotFinalized, ErrNotFinalized},
	{CodeFutureDayTooFarAhead, ErrFutureDayTooFarAhead},
	{CodeInvalidBidAmount, ErrInvalidBidAmount},
	{CodeFeePoolExceedsLoserSum, ErrFeePoolExceedsLoserSum},
	{CodeInsufficientFunds, ErrInsufficientFunds},
	{CodeMathOverflow, ErrMathOverflow},
	{CodeConfigNotInitialized, ErrConfigNotInitialized},
	{CodeConfigAlreadyInitialized, ErrConfigAlreadyInitialized},
	{CodeInvalidConfig, ErrInvalidConfig},
	{CodeInvalidInstruction, ErrInvalidInstruction},
	{CodeNotFound, ErrNotFound},
	{CodeConflict, ErrConflict},
}

// CodeOf returns the code of the first sentinel found in err's chain, or
// CodeUnknown.
func CodeOf(err error) ErrorCode {
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeUnknown
}

// ErrorForCode returns the sentinel registered for code, or nil.
func ErrorForCode(code ErrorCode) error {
	for _, e := range codeTable {
		if e.code == code {
			return e.err
		}
	}
	return nil
}

// BatchEntryError reports the refund batch entry that aborted a batch.
type BatchEntryError struct {
	Index  int
	Bidder Address
	Err    error
}

func (e *BatchEntryError) Error() string {
	return fmt.Sprintf("refund batch entry %d (%s): %v", e.Index, e.Bidder.Hex(), e.Err)
}

func (e *BatchEntryError) Unwrap() error { return e.Err }

// IsFatal reports whether err can never succeed on retry without operator
// intervention.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFeePoolExceedsLoserSum) ||
		errors.Is(err, ErrConfigNotInitialized) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidInstruction) ||
		errors.Is(err, ErrUnauthorized)
}

// ErrorResponse is the JSON error body of the HTTP API.
type ErrorResponse struct {
	Error  string    `json:"error"`
	Code   ErrorCode `json:"code,omitempty"`
	Index  *int      `json:"index,omitempty"`
	Bidder *Address  `json:"bidder,omitempty"`
}

// NewErrorResponse describes err for transport, keeping its code and any
// refund batch entry it carries.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Code: CodeOf(err)}
	var be *BatchEntryError
	if errors.As(err, &be) {
		idx, bidder := be.Index, be.Bidder
		resp.Index, resp.Bidder = &idx, &bidder
	}
	return resp
}

// Err rebuilds an error from a transported response so that errors.Is matches
// the original sentinel and errors.As finds a BatchEntryError.
func (r ErrorResponse) Err() error {
	var err error
	if sentinel := ErrorForCode(r.Code); sentinel != nil {
		err = fmt.Errorf("%s: %w", r.Error, sentinel)
	} else {
		err = errors.New(r.Error)
	}
	if r.Index != nil {
		be := &BatchEntryError{Index: *r.Index, Err: err}
		if r.Bidder != nil {
			be.Bidder = *r.Bidder
		}
		return be
	}
	return err
}
