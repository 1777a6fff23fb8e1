// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package taps resolves pending outputs into taps, waiting for other jobs to
// materialize them first.
//
// The algorithm is selected with --taps_algorithm:
//
//   - immediate: check once and fail if the output is missing.
//   - polling: check with exponential backoff until the output appears, the
//     attempts run out or the context is done.
package taps

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/log"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/retry.v1"
)

// Algorithm selects how readiness is checked.
type Algorithm string

const (
	// Immediate checks readiness exactly once.
	Immediate Algorithm = "immediate"
	// Polling checks readiness until the output appears.
	Polling Algorithm = "polling"
)

var (
	// AlgorithmName is the tap resolution algorithm.
	AlgorithmName = flag.String("taps_algorithm", string(Immediate), "Tap resolution algorithm: immediate or polling.")

	// InitialInterval is the delay before the second readiness check.
	InitialInterval = flag.Duration("taps_polling_initial_interval", 10*time.Second, "Initial delay between readiness checks when polling.")

	// MaxInterval caps the delay between readiness checks.
	MaxInterval = flag.Duration("taps_polling_maximum_interval", 10*time.Minute, "Maximum delay between readiness checks when polling.")

	// MaxAttempts bounds the number of readiness checks. Zero is unlimited.
	MaxAttempts = flag.Int("taps_polling_maximum_attempts", 0, "Maximum number of readiness checks when polling (0 = unlimited).")
)

// maxConcurrentWaits bounds the number of outputs WaitAll checks at once.
const maxConcurrentWaits = 16

// Options configures tap resolution.
type Options struct {
	Algorithm       Algorithm
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int

	// Clock is used for polling delays. Nil means the wall clock.
	Clock retry.Clock
}

// FromFlags returns the options given on the command line.
func FromFlags() Options {
	return Options{
		Algorithm:       Algorithm(*AlgorithmName),
		InitialInterval: *InitialInterval,
		MaxInterval:     *MaxInterval,
		MaxAttempts:     *MaxAttempts,
	}
}

// Taps resolves pending outputs.
type Taps struct {
	opts Options
}

// New validates opts and returns a resolver.
func New(opts Options) (*Taps, error) {
	switch opts.Algorithm {
	case Immediate:
	case Polling:
		if opts.InitialInterval <= 0 {
			return nil, errors.Errorf("polling interval must be positive, got %v", opts.InitialInterval)
		}
		if opts.MaxInterval < opts.InitialInterval {
			return nil, errors.Errorf("maximum polling interval %v is below the initial interval %v", opts.MaxInterval, opts.InitialInterval)
		}
		if opts.MaxAttempts < 0 {
			return nil, errors.Errorf("negative polling attempts: %d", opts.MaxAttempts)
		}
	default:
		return nil, errors.Errorf("unknown taps algorithm %q, want %q or %q", opts.Algorithm, Immediate, Polling)
	}
	return &Taps{opts: opts}, nil
}

// Options returns the options of the resolver.
func (t *Taps) Options() Options {
	return t.opts
}

func (t *Taps) strategy() retry.Strategy {
	var s retry.Strategy = retry.Exponential{
		Initial:  t.opts.InitialInterval,
		Factor:   2,
		MaxDelay: t.opts.MaxInterval,
	}
	if t.opts.MaxAttempts > 0 {
		s = retry.LimitCount(t.opts.MaxAttempts, s)
	}
	return s
}

// await checks p until it is ready. It returns an error wrapping
// beamio.ErrNotReady if the attempts run out.
func (t *Taps) await(ctx context.Context, p fmtPending) error {
	if t.opts.Algorithm == Immediate {
		ok, err := p.Ready(ctx)
		if err != nil {
			return errors.Wrapf(err, "checking %v", p)
		}
		if !ok {
			return beamio.NotReady(p)
		}
		return nil
	}

	attempt := retry.StartWithCancel(t.strategy(), t.opts.Clock, ctx.Done())
	for attempt.Next() {
		ok, err := p.Ready(ctx)
		if err != nil {
			return errors.Wrapf(err, "checking %v", p)
		}
		if ok {
			log.Infof(ctx, "Output %v is ready", p)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt.More() {
			log.Infof(ctx, "Output %v is not ready after %d checks", p, attempt.Count())
		}
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "waiting for %v", p)
	}
	return errors.Wrapf(beamio.NotReady(p), "after %d checks", attempt.Count())
}

// fmtPending is the untyped part of beamio.Pending.
type fmtPending interface {
	String() string
	Ready(ctx context.Context) (bool, error)
}

// Wait resolves p into its tap.
func Wait[T any](ctx context.Context, t *Taps, p beamio.Pending[T]) (beamio.Tap[T], error) {
	if err := t.await(ctx, p); err != nil {
		return nil, err
	}
	return p.Tap(), nil
}

// WaitAll resolves every output concurrently. The taps are returned in the
// order of ps. If any output fails, the error lists every failure.
func (t *Taps) WaitAll(ctx context.Context, ps ...beamio.ClosedTap) ([]beamio.Tap[any], error) {
	taps := make([]beamio.Tap[any], len(ps))

	var mu sync.Mutex
	var merr *multierror.Error

	var g errgroup.Group
	g.SetLimit(maxConcurrentWaits)
	for i, p := range ps {
		g.Go(func() error {
			if err := t.await(ctx, p); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
				return nil
			}
			taps[i] = p.Tap()
			return nil
		})
	}
	g.Wait()

	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return taps, nil
}
