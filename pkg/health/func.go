package health

import (
	"context"
	"time"
)

// FuncChecker adapts a probe function such as a database read or a sink ping
type FuncChecker struct {
	Fn func(ctx context.Context) error
}

// NewFuncChecker wraps fn as a Checker
func NewFuncChecker(fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{Fn: fn}
}

// Check runs the probe
func (f *FuncChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if err := f.Fn(ctx); err != nil {
		return failed(start, err.Error())
	}

	return passed(start, "ok")
}

// Type returns the health check type
func (f *FuncChecker) Type() CheckType {
	return CheckTypeFunc
}
