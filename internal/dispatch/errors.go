package dispatch

import "errors"

var (
	errHeartbeatSilence  = errors.New("worker heartbeat silence")
	errExecutionTimeout  = errors.New("worker execution timeout")
	errQueueFull         = errors.New("queue full")
	errQueueTimeout      = errors.New("queue timeout")
	errRateWaitTimeout   = errors.New("rate limit wait timeout")
	errAllWorkersFailed  = errors.New("all workers failed")
)
