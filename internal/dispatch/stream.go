package dispatch

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/claw-compactor/claude-code-proxy/internal/classify"
	"github.com/claw-compactor/claude-code-proxy/internal/warmpool"
	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// attemptResult summarizes one worker attempt's outcome for the retry and
// completion logic above it.
type attemptResult struct {
	contentSent  bool
	exitKind     classify.Kind
	inputTokens  int64
	outputTokens int64
	outputBytes  int
	err          error
}

// attemptOptions configures one run of the streaming state machine.
type attemptOptions struct {
	Spec            models.WorkerSpec
	Payload         string
	PromptChars     int
	Heartbeat       time.Duration
	ExecTimeout     time.Duration
	OnDelta         func(text string)
	OnFirstByteLate func()
}

// runAttempt spawns (or acquires warm) a worker, writes the payload, and
// streams its line-delimited JSON output until exit, timeout, or context
// cancellation. It never retries — that decision belongs to the caller.
func (e *Engine) runAttempt(ctx context.Context, reqID string, model models.ModelFamily, stream bool, opts attemptOptions) attemptResult {
	key := warmpool.Key{Model: model, Stream: stream, Worker: opts.Spec.Name}

	var proc *workerProc
	if acquired, ok := e.warmPool.Acquire(ctx, key); ok {
		proc = acquired.(*workerProc)
	} else {
		spawned, err := spawnWorker(ctx, opts.Spec, nil)
		if err != nil {
			return attemptResult{exitKind: classify.KindTransient, err: err}
		}
		proc = spawned
	}

	if err := proc.Write(opts.Payload); err != nil {
		return attemptResult{exitKind: classify.KindTransient, err: err}
	}

	mode := models.ModeSync
	if stream {
		mode = models.ModeStream
	}
	e.registry.Register(models.RegistryEntry{
		PID:       proc.PID(),
		RequestID: reqID,
		Model:     model,
		Mode:      mode,
		Worker:    opts.Spec.Name,
		SpawnedAt: time.Now(),
	})
	e.router.OnDispatch(opts.Spec.Name)
	defer e.router.OnRelease(opts.Spec.Name)
	defer e.registry.Unregister(proc.PID())

	return e.pump(ctx, proc, reqID, opts)
}

// pump reads worker output lines until EOF, applying heartbeat and absolute
// execution timeouts, and forwards text deltas via opts.OnDelta.
func (e *Engine) pump(ctx context.Context, proc *workerProc, reqID string, opts attemptOptions) attemptResult {
	linesCh := make(chan string)
	stopReader := make(chan struct{})

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(linesCh)
		for {
			line, ok := proc.Lines()
			if !ok {
				return nil
			}
			select {
			case linesCh <- line:
			case <-stopReader:
				return nil
			}
		}
	})
	defer func() {
		close(stopReader)
		_ = g.Wait()
	}()

	execDeadline := time.Now().Add(opts.ExecTimeout)
	execTimer := time.NewTimer(opts.ExecTimeout)
	defer execTimer.Stop()
	heartbeat := time.NewTimer(opts.Heartbeat)
	defer heartbeat.Stop()

	firstByteWarn := time.NewTimer(8 * time.Second)
	defer firstByteWarn.Stop()
	firstByteSeen := false

	var res attemptResult
	var output strings.Builder
	deltaSent := false

	for {
		select {
		case <-ctx.Done():
			proc.Kill()
			res.err = ctx.Err()
			res.outputBytes = output.Len()
			return res

		case <-heartbeat.C:
			proc.Kill()
			res.exitKind = classify.KindTransient
			res.err = errHeartbeatSilence
			res.outputBytes = output.Len()
			return res

		case <-execTimer.C:
			proc.Kill()
			res.exitKind = classify.KindTransient
			res.err = errExecutionTimeout
			res.outputBytes = output.Len()
			return res

		case <-firstByteWarn.C:
			if opts.OnFirstByteLate != nil {
				opts.OnFirstByteLate()
			}

		case line, ok := <-linesCh:
			if !ok {
				return e.finalizeAttempt(proc, res, output.String())
			}
			if !firstByteSeen {
				firstByteSeen = true
				firstByteWarn.Stop()
			}
			output.WriteString(line)
			output.WriteByte('\n')
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(opts.Heartbeat)

			parsed, matched := parseWorkerLine(line, deltaSent)
			if !matched {
				continue
			}
			if parsed.hasText {
				deltaSent = true
				res.contentSent = true
				if opts.OnDelta != nil {
					opts.OnDelta(parsed.text)
				}
			}
			if parsed.hasUsage {
				res.inputTokens = parsed.inputTokens
				res.outputTokens = parsed.outputTokens
			}

			if time.Now().After(execDeadline) {
				proc.Kill()
				res.exitKind = classify.KindTransient
				res.err = errExecutionTimeout
				res.outputBytes = output.Len()
				return res
			}
		}
	}
}

// finalizeAttempt waits briefly for watchExit to observe the process exit
// and record its code, then classifies the attempt against the full
// accumulated worker output: Lines() returning false already implies EOF
// on stdout.
func (e *Engine) finalizeAttempt(proc *workerProc, res attemptResult, output string) attemptResult {
	deadline := time.Now().Add(2 * time.Second)
	for !proc.Dead() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	res.outputBytes = len(output)
	res.exitKind = e.classifier.Classify(output, proc.ExitCode(), len(output))
	if res.exitKind == classify.KindRateLimited {
		e.router.MarkLimited(proc.worker)
	}
	return res
}
