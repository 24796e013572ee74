package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrNoSession       = errors.New("no live session")
	ErrFrameDecode     = errors.New("frame decode failed")
	ErrStatusParse     = errors.New("status parse failed")
	ErrCorrelationMiss = errors.New("job id not in ledger")
	ErrConnection      = errors.New("socket connection error")
	ErrFetchFallback   = errors.New("fallback fetch failed")
	ErrInvalidRequest  = errors.New("invalid generation request")
)
