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

package beamio

import (
	"context"
	"strconv"
	"testing"

	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/register"
	_ "github.com/apache/beam/sdks/v2/go/pkg/beam/runners/direct"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/testing/passert"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/testing/ptest"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

func init() {
	register.Function1x1(itoa)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func TestMain(m *testing.M) {
	ptest.MainWithDefault(m, "direct")
}

// sliceTap is an in-memory tap.
type sliceTap[T any] struct {
	values []T
	err    error
}

func (t *sliceTap[T]) Iterator(context.Context) (Iterator[T], error) {
	if t.err != nil {
		return nil, t.err
	}
	return NewSliceIterator(t.values), nil
}

func (t *sliceTap[T]) Open(s beam.Scope) beam.PCollection {
	return beam.CreateList(s, t.values)
}

type failingIterator struct{}

func (failingIterator) Next() (int, error) { return 0, errors.New("broken") }
func (failingIterator) Close() error { return nil }

type failingTap struct{}

func (failingTap) Iterator(context.Context) (Iterator[int], error) { return failingIterator{}, nil }
func (failingTap) Open(s beam.Scope) beam.PCollection { return beam.Create(s, 0) }

func TestReadOnly(t *testing.T) {
	_, s := beam.NewPipelineWithRoot()
	_, err := ReadOnly{Connector: "bigqueryio.Select"}.TryWrite(s, beam.Create(s, 1))
	if !IsReadOnly(err) {
		t.Fatalf("TryWrite = %v, want a read-only error", err)
	}
	if got, want := err.Error(), "bigqueryio.Select: connector is read-only"; got != want {
		t.Errorf("TryWrite error = %q, want %q", got, want)
	}
	if IsReadOnly(errors.New("connector is read-only")) {
		t.Errorf("IsReadOnly matched an unrelated error")
	}
}

func TestWrite_Panics(t *testing.T) {
	_, s := beam.NewPipelineWithRoot()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Write through a read-only connector did not panic")
		}
	}()
	Write(s, ReadOnly{Connector: "x"}, beam.Create(s, 1))
}

func TestSliceIterator(t *testing.T) {
	it := NewSliceIterator([]string{"a", "b"})
	for _, want := range []string{"a", "b"} {
		got, err := it.Next()
		if err != nil || got != want {
			t.Fatalf("Next() = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := it.Next(); err != iterator.Done {
		t.Errorf("Next() at end = %v, want iterator.Done", err)
	}
	if err := it.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	got, err := Collect[int](ctx, &sliceTap[int]{values: []int{1, 2, 3}})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, got); diff != "" {
		t.Errorf("Collect mismatch (-want +got):\n%v", diff)
	}

	if _, err := Collect[int](ctx, &sliceTap[int]{err: errors.New("gone")}); err == nil {
		t.Errorf("Collect of a failing tap succeeded, want error")
	}
	if _, err := Collect[int](ctx, failingTap{}); err == nil {
		t.Errorf("Collect of a failing iterator succeeded, want error")
	}
}

func TestMap(t *testing.T) {
	tap := Map[int, string](&sliceTap[int]{values: []int{1, 2}}, itoa)

	got, err := Collect(context.Background(), tap)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if diff := cmp.Diff([]string{"1", "2"}, got); diff != "" {
		t.Errorf("Map mismatch (-want +got):\n%v", diff)
	}

	p, s := beam.NewPipelineWithRoot()
	passert.Equals(s, tap.Open(s), "1", "2")
	ptest.RunAndValidate(t, p)
}

func TestAsErase(t *testing.T) {
	ctx := context.Background()
	erased := Erase[int](&sliceTap[int]{values: []int{4, 5}})

	got, err := Collect(ctx, As[int](erased))
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if diff := cmp.Diff([]int{4, 5}, got); diff != "" {
		t.Errorf("As mismatch (-want +got):\n%v", diff)
	}

	if _, err := Collect(ctx, As[string](erased)); err == nil {
		t.Errorf("As with the wrong type succeeded, want error")
	}
}

func TestReady(t *testing.T) {
	ctx := context.Background()
	exists := false
	p := &PendingFunc[int]{
		Resource: "mem://out/*",
		Check: func(context.Context) (bool, error) {
			return exists, nil
		},
		Output: &sliceTap[int]{values: []int{1}},
	}

	if _, err := Ready[int](ctx, p); !errors.Is(err, ErrNotReady) {
		t.Errorf("Ready() before output = %v, want ErrNotReady", err)
	}
	exists = true
	tap, err := Ready[int](ctx, p)
	if err != nil {
		t.Fatalf("Ready() failed: %v", err)
	}
	if got, err := Collect(ctx, tap); err != nil || len(got) != 1 {
		t.Errorf("Collect = %v, %v; want one record", got, err)
	}

	ct := ErasePending[int](p)
	if got, want := ct.String(), "mem://out/*"; got != want {
		t.Errorf("ClosedTap = %v, want %v", got, want)
	}
	if ok, err := ct.Ready(ctx); err != nil || !ok {
		t.Errorf("ClosedTap.Ready() = %v, %v; want true", ok, err)
	}
	if got, err := Collect(ctx, As[int](ct.Tap())); err != nil || len(got) != 1 {
		t.Errorf("Collect(ClosedTap) = %v, %v; want one record", got, err)
	}
}
