// run.go: The run command, pushing a workload through a backend
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/asyncrypt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	Backend    string
	Mode       string
	Workload   string
	Devices    int
	Ops        int
	Size       int
	Async      bool
	Background bool
	Timeout    time.Duration
}

// RunReport is the result of a benchmark run.
type RunReport struct {
	HandleID    string                      `json:"handle_id" yaml:"handle_id"`
	Backend     string                      `json:"backend" yaml:"backend"`
	Mode        string                      `json:"mode,omitempty" yaml:"mode,omitempty"`
	Workload    string                      `json:"workload" yaml:"workload"`
	Async       bool                        `json:"async" yaml:"async"`
	Devices     int                         `json:"devices" yaml:"devices"`
	Operations  int                         `json:"operations" yaml:"operations"`
	Failures    int                         `json:"failures" yaml:"failures"`
	Elapsed     time.Duration               `json:"elapsed_ns" yaml:"elapsed"`
	OpsPerSec   float64                     `json:"ops_per_sec" yaml:"ops_per_sec"`
	Queue       asyncrypt.QueueStats        `json:"queue" yaml:"queue"`
	Submit      asyncrypt.DeviceStats       `json:"submit" yaml:"submit"`
	Accelerator *asyncrypt.AcceleratorStats `json:"accelerator,omitempty" yaml:"accelerator,omitempty"`
}

// acceleratorStats is implemented by every accelerator completion model.
type acceleratorStats interface {
	Stats() asyncrypt.AcceleratorStats
}

// runFlagBindings maps config keys to run flags.
var runFlagBindings = map[string]string{
	"backend":          "backend",
	"accelerator.mode": "mode",
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Push a crypto workload through the offload core",
		Long: `Run opens --devices devices, each submitting --ops operations of the
selected workload, and reports throughput with queue and backend counters.

Without --async every device blocks in Do on its own goroutine. With
--async one goroutine submits on every idle device and harvests the shared
queue with Drain, the way an event loop would.`,
		Example: `  offloadbench run --workload aes-gcm --devices 8 --ops 1000
  offloadbench run --backend accelerator --mode callback --async --format json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, cmd, runFlagBindings)
			if err != nil {
				return err
			}
			logger, err := newLogger(rootOpts.LogLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if opts.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
				defer cancel()
			}

			report, err := runBench(ctx, cfg, opts, logger)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Emit(report, report.writeText)
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", "", "backend to start (software|accelerator)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "accelerator completion model (single|batch|callback)")
	cmd.Flags().StringVarP(&opts.Workload, "workload", "w", "aes-gcm", fmt.Sprintf("operation to run %v", Workloads))
	cmd.Flags().IntVarP(&opts.Devices, "devices", "d", 4, "number of devices")
	cmd.Flags().IntVarP(&opts.Ops, "ops", "n", 100, "operations per device")
	cmd.Flags().IntVar(&opts.Size, "size", 1024, "payload size in bytes")
	cmd.Flags().BoolVar(&opts.Async, "async", false, "submit and drain from a single goroutine")
	cmd.Flags().BoolVar(&opts.Background, "background", false, "complete events from a background poller")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "abort the run after this long (0 = no limit)")

	return cmd
}

// runBench starts a backend from cfg and drives the workload through it.
func runBench(ctx context.Context, cfg *asyncrypt.Config, opts *RunOptions, logger *zap.Logger) (*RunReport, error) {
	if opts.Devices <= 0 || opts.Ops <= 0 {
		return nil, fmt.Errorf("devices and ops must be positive")
	}
	w, err := newWorkload(opts.Workload, opts.Size)
	if err != nil {
		return nil, err
	}
	if opts.Async && w.name == "aes-cbc" && opts.Size > asyncrypt.MaxChunk {
		return nil, fmt.Errorf("async cbc payloads are limited to %d bytes", asyncrypt.MaxChunk)
	}

	reg := asyncrypt.NewRegistry(&asyncrypt.RegistryConfig{Logger: logger})
	defer func() { _ = reg.Close() }()

	h, err := reg.Start(cfg)
	if err != nil {
		return nil, err
	}

	devices := make([]*asyncrypt.Device, 0, opts.Devices)
	closeAll := func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		for _, d := range devices {
			errs = append(errs, d.CloseContext(closeCtx))
		}
		devices = devices[:0]
		return errors.Join(errs...)
	}
	defer func() { _ = closeAll() }()

	for i := 0; i < opts.Devices; i++ {
		d, err := h.NewDevice(w.marker, nil)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	var poller *asyncrypt.BackgroundPoller
	if opts.Background {
		poller = asyncrypt.NewBackgroundPoller(h.Queue(), 0, logger)
		if err := poller.Start(); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	var failures int
	if opts.Async {
		failures, err = runAsync(ctx, h.Queue(), devices, w, opts.Ops, logger)
	} else {
		failures, err = runSync(ctx, devices, w, opts.Ops, logger)
	}
	elapsed := time.Since(start)
	if poller != nil {
		poller.Stop()
	}
	if err != nil {
		return nil, err
	}

	report := &RunReport{
		HandleID:   h.ID(),
		Backend:    h.Backend().Name(),
		Workload:   w.name,
		Async:      opts.Async,
		Devices:    len(devices),
		Operations: len(devices) * opts.Ops,
		Failures:   failures,
		Elapsed:    elapsed,
		Queue:      h.Queue().Stats(),
	}
	if report.Backend == asyncrypt.BackendAccelerator {
		report.Mode = string(cfg.Accelerator.Mode)
	}
	if elapsed > 0 {
		report.OpsPerSec = float64(report.Operations) / elapsed.Seconds()
	}
	for _, d := range devices {
		s := d.Stats()
		report.Submit.Submits += s.Submits
		report.Submit.Retries += s.Retries
		report.Submit.Yields += s.Yields
		report.Submit.Inline += s.Inline
		report.Submit.Completions += s.Completions
		report.Submit.LastRetries = max(report.Submit.LastRetries, s.LastRetries)
	}
	if as, ok := h.Backend().(acceleratorStats); ok {
		s := as.Stats()
		report.Accelerator = &s
	}

	if err := closeAll(); err != nil {
		return nil, err
	}
	if err := reg.Stop(h); err != nil {
		return nil, err
	}
	return report, nil
}

// runSync gives every device its own goroutine blocking in Do.
func runSync(ctx context.Context, devices []*asyncrypt.Device, w *workload, ops int, logger *zap.Logger) (int, error) {
	var (
		wg       sync.WaitGroup
		failures atomic.Int64
		errOnce  sync.Once
		firstErr error
	)
	for _, d := range devices {
		wg.Add(1)
		go func(d *asyncrypt.Device) {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				op, err := w.next()
				if err == nil {
					_, err = d.Do(ctx, op)
				}
				switch {
				case err == nil:
				case errors.Is(err, asyncrypt.ErrBackendFailure), errors.Is(err, asyncrypt.ErrBackendTimeout):
					failures.Add(1)
					logger.Debug("operation failed", zap.String("workload", w.name), zap.Error(err))
				default:
					errOnce.Do(func() { firstErr = err })
					return
				}
			}
		}(d)
	}
	wg.Wait()
	return int(failures.Load()), firstErr
}

// runAsync submits on idle devices and harvests the shared queue until
// every operation has completed.
func runAsync(ctx context.Context, q *asyncrypt.Queue, devices []*asyncrypt.Device, w *workload, ops int, logger *zap.Logger) (int, error) {
	index := make(map[*asyncrypt.Device]int, len(devices))
	remaining := make([]int, len(devices))
	busy := make([]bool, len(devices))
	for i, d := range devices {
		index[d] = i
		remaining[i] = ops
	}

	total := ops * len(devices)
	completed, failures := 0, 0
	for completed < total {
		if err := ctx.Err(); err != nil {
			return failures, err
		}

		for i, d := range devices {
			if busy[i] || remaining[i] == 0 {
				continue
			}
			op, err := w.next()
			if err != nil {
				return failures, err
			}
			remaining[i]--
			switch err := d.Submit(op); {
			case err == nil:
				completed++
			case asyncrypt.IsPending(err):
				busy[i] = true
			case errors.Is(err, asyncrypt.ErrInvalidArgument):
				return failures, err
			default:
				completed++
				failures++
				logger.Debug("submit failed", zap.String("workload", w.name), zap.Error(err))
			}
		}

		events, err := q.Drain(nil, len(devices))
		if err != nil {
			logger.Debug("poll reported an error", zap.Error(err))
		}
		for _, ev := range events {
			i, ok := index[ev.Device()]
			if !ok {
				continue
			}
			busy[i] = false
			completed++
			if err := ev.Pop(asyncrypt.EventTypeAny); err != nil {
				failures++
				logger.Debug("operation failed", zap.String("workload", w.name), zap.Error(err))
			}
		}
		if len(events) == 0 {
			runtime.Gosched()
		}
	}
	return failures, nil
}

func (r *RunReport) writeText(w io.Writer) {
	backend := r.Backend
	if r.Mode != "" {
		backend += "/" + r.Mode
	}
	model := "sync"
	if r.Async {
		model = "async"
	}
	fmt.Fprintf(w, "%s on %s (%s), %d devices\n", r.Workload, backend, model, r.Devices)
	fmt.Fprintf(w, "  operations:  %d (%d failed)\n", r.Operations, r.Failures)
	fmt.Fprintf(w, "  elapsed:     %s (%.0f ops/s)\n", r.Elapsed.Round(time.Microsecond), r.OpsPerSec)
	fmt.Fprintf(w, "  queue:       %d pushes, %d polls, %d checks, %d batch calls, %d drained\n",
		r.Queue.Pushes, r.Queue.Polls, r.Queue.Checks, r.Queue.BatchCalls, r.Queue.Drained)
	fmt.Fprintf(w, "  submit:      %d submits, %d inline, %d retries, %d yields\n",
		r.Submit.Submits, r.Submit.Inline, r.Submit.Retries, r.Submit.Yields)
	if r.Accelerator != nil {
		fmt.Fprintf(w, "  accelerator: %d submitted, %d completed, %d ring retries\n",
			r.Accelerator.Submitted, r.Accelerator.Completed, r.Accelerator.Retries)
	}
}
