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

package taps

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/connectors/pkg/beamio/bigqueryio"
	_ "github.com/apache/beam/sdks/v2/go/pkg/beam/io/filesystem/local"
	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"gopkg.in/retry.v1"
)

// fakeClock never sleeps and records the requested delays.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// blockingClock never fires.
type blockingClock struct{}

func (blockingClock) Now() time.Time { return time.Time{} }
func (blockingClock) After(time.Duration) <-chan time.Time { return nil }

// fakePending becomes ready after a number of checks.
type fakePending struct {
	name       string
	readyAfter int // 0 = never
	err        error
	onCheck    func()

	mu     sync.Mutex
	checks int
}

func (p *fakePending) String() string {
	return p.name
}

func (p *fakePending) Ready(ctx context.Context) (bool, error) {
	p.mu.Lock()
	p.checks++
	n := p.checks
	p.mu.Unlock()

	if p.onCheck != nil {
		p.onCheck()
	}
	if p.err != nil {
		return false, p.err
	}
	return p.readyAfter > 0 && n >= p.readyAfter, nil
}

func (p *fakePending) Tap() beamio.Tap[any] {
	return nil
}

func (p *fakePending) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks
}

func polling(clock retry.Clock, attempts int) Options {
	return Options{
		Algorithm:       Polling,
		InitialInterval: time.Second,
		MaxInterval:     4 * time.Second,
		MaxAttempts:     attempts,
		Clock:           clock,
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		ok   bool
	}{
		{"immediate", Options{Algorithm: Immediate}, true},
		{"polling", Options{Algorithm: Polling, InitialInterval: time.Second, MaxInterval: time.Minute}, true},
		{"unknown", Options{Algorithm: "eventually"}, false},
		{"empty", Options{}, false},
		{"zero interval", Options{Algorithm: Polling, MaxInterval: time.Minute}, false},
		{"max below initial", Options{Algorithm: Polling, InitialInterval: time.Minute, MaxInterval: time.Second}, false},
		{"negative attempts", Options{Algorithm: Polling, InitialInterval: time.Second, MaxInterval: time.Minute, MaxAttempts: -1}, false},
	}
	for _, test := range tests {
		_, err := New(test.opts)
		if got := err == nil; got != test.ok {
			t.Errorf("New(%v) error = %v, want ok=%v", test.name, err, test.ok)
		}
	}
}

func TestFromFlags(t *testing.T) {
	got := FromFlags()
	want := Options{
		Algorithm:       Immediate,
		InitialInterval: 10 * time.Second,
		MaxInterval:     10 * time.Minute,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromFlags() mismatch (-want +got):\n%v", diff)
	}
	if _, err := New(got); err != nil {
		t.Errorf("New(FromFlags()) failed: %v", err)
	}
}

func TestWait_Immediate(t *testing.T) {
	ctx := context.Background()
	taps, err := New(Options{Algorithm: Immediate})
	if err != nil {
		t.Fatal(err)
	}

	ready := &fakePending{name: "ready", readyAfter: 1}
	if _, err := Wait[any](ctx, taps, ready); err != nil {
		t.Errorf("Wait(ready) failed: %v", err)
	}

	missing := &fakePending{name: "missing", readyAfter: 2}
	_, err = Wait[any](ctx, taps, missing)
	if !errors.Is(err, beamio.ErrNotReady) {
		t.Errorf("Wait(missing) = %v, want ErrNotReady", err)
	}
	if got := missing.count(); got != 1 {
		t.Errorf("immediate checks = %d, want 1", got)
	}

	broken := &fakePending{name: "broken", err: errors.New("permission denied")}
	if _, err := Wait[any](ctx, taps, broken); err == nil || errors.Is(err, beamio.ErrNotReady) {
		t.Errorf("Wait(broken) = %v, want the check error", err)
	}
}

func TestWait_Polling(t *testing.T) {
	clock := &fakeClock{}
	taps, err := New(polling(clock, 0))
	if err != nil {
		t.Fatal(err)
	}

	p := &fakePending{name: "eventually", readyAfter: 5}
	if _, err := Wait[any](context.Background(), taps, p); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := p.count(); got != 5 {
		t.Errorf("checks = %d, want 5", got)
	}
	for _, d := range clock.sleeps {
		if d > 4*time.Second {
			t.Errorf("slept %v, want at most the maximum interval", d)
		}
	}
}

func TestWait_PollingExhausted(t *testing.T) {
	taps, err := New(polling(&fakeClock{}, 3))
	if err != nil {
		t.Fatal(err)
	}

	p := &fakePending{name: "never"}
	_, err = Wait[any](context.Background(), taps, p)
	if !errors.Is(err, beamio.ErrNotReady) {
		t.Errorf("Wait = %v, want ErrNotReady", err)
	}
	if got := p.count(); got != 3 {
		t.Errorf("checks = %d, want 3", got)
	}
}

func TestWait_PollingCancelled(t *testing.T) {
	taps, err := New(polling(blockingClock{}, 0))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &fakePending{name: "never", onCheck: cancel}

	_, err = Wait[any](ctx, taps, p)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
}

func TestWaitAll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	taps, err := New(Options{Algorithm: Immediate})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ps := []beamio.ClosedTap{
		&fakePending{name: "a", readyAfter: 1},
		&fakePending{name: "b", readyAfter: 1},
	}
	got, err := taps.WaitAll(ctx, ps...)
	if err != nil {
		t.Fatalf("WaitAll failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("WaitAll returned %d taps, want 2", len(got))
	}

	ps = append(ps,
		&fakePending{name: "c"},
		&fakePending{name: "d", err: errors.New("boom")},
	)
	_, err = taps.WaitAll(ctx, ps...)
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("WaitAll = %v, want a multierror", err)
	}
	if got := len(merr.Errors); got != 2 {
		t.Errorf("WaitAll reported %d failures, want 2: %v", got, err)
	}
	if !errors.Is(err, beamio.ErrNotReady) {
		t.Errorf("WaitAll = %v, want it to include ErrNotReady", err)
	}
}

func TestTableRowJSONFile(t *testing.T) {
	taps, err := New(Options{Algorithm: Immediate})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	dir := t.TempDir()
	glob := filepath.Join(dir, "*.json")

	if _, err := TableRowJSONFile(ctx, taps, glob); !errors.Is(err, beamio.ErrNotReady) {
		t.Fatalf("TableRowJSONFile before write = %v, want ErrNotReady", err)
	}

	data := []byte("{\"name\":\"ada\"}\n\n{\"name\":\"grace\"}\n")
	if err := os.WriteFile(filepath.Join(dir, "rows.json"), data, 0644); err != nil {
		t.Fatal(err)
	}
	tap, err := TableRowJSONFile(ctx, taps, glob)
	if err != nil {
		t.Fatalf("TableRowJSONFile failed: %v", err)
	}
	rows, err := beamio.Collect(ctx, tap)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	want := []bigqueryio.TableRow{{"name": "ada"}, {"name": "grace"}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%v", diff)
	}
}

func TestBigQueryTable_BadName(t *testing.T) {
	taps, err := New(Options{Algorithm: Immediate})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := BigQueryTable[bigqueryio.TableRow](context.Background(), taps, "p", "no-dataset"); err == nil {
		t.Errorf("BigQueryTable with a bad name succeeded, want error")
	}
}
