package service

import "errors"

var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrPortExhausted         = errors.New("port exhausted")
	ErrContainerCreateFailed = errors.New("container create failed")
	ErrContainerStartFailed  = errors.New("container start failed")
	ErrReadinessTimeout      = errors.New("readiness timeout")
	ErrRateLimited           = errors.New("too many session requests")
	ErrBusy                  = errors.New("session creation already in progress")
	ErrNotRunning            = errors.New("session is not running")
)
