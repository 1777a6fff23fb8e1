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
	"fmt"

	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// Iterator iterates over the records of a tap. Next returns iterator.Done
// once all records have been returned.
type Iterator[T any] interface {
	Next() (T, error)
	Close() error
}

// Tap is a handle to materialized data together with the means to re-read
// it, either directly or in a new pipeline.
type Tap[T any] interface {
	// Iterator opens the data for reading outside of a pipeline.
	Iterator(ctx context.Context) (Iterator[T], error)
	// Open inserts a read of the data into the scope.
	Open(s beam.Scope) beam.PCollection
}

// Pending is an output that may or may not have been materialized yet.
type Pending[T any] interface {
	fmt.Stringer

	// Ready checks the external system once for the output.
	Ready(ctx context.Context) (bool, error)
	// Tap returns the tap for the output. Reading it before Ready reports
	// true fails or returns partial data, depending on the system.
	Tap() Tap[T]
}

// ClosedTap is the untyped handle returned by writes.
type ClosedTap = Pending[any]

// Collect reads all records of the tap into a slice.
func Collect[T any](ctx context.Context, tap Tap[T]) ([]T, error) {
	it, err := tap.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ret []T
	for {
		v, err := it.Next()
		if err == iterator.Done {
			return ret, nil
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
}

// SliceIterator iterates over an in-memory slice.
type SliceIterator[T any] struct {
	values []T
	next   int
}

// NewSliceIterator returns an iterator over values.
func NewSliceIterator[T any](values []T) *SliceIterator[T] {
	return &SliceIterator[T]{values: values}
}

// Next returns the next value or iterator.Done.
func (it *SliceIterator[T]) Next() (T, error) {
	var zero T
	if it.next >= len(it.values) {
		return zero, iterator.Done
	}
	v := it.values[it.next]
	it.next++
	return v, nil
}

// Close is a no-op.
func (it *SliceIterator[T]) Close() error {
	return nil
}

// Map returns a tap that applies fn to every record of tap. The function is
// also used as a DoFn when the tap is opened in a pipeline, so it must be
// registered for runners other than the direct runner.
func Map[T, U any](tap Tap[T], fn func(T) U) Tap[U] {
	return &mapTap[T, U]{tap: tap, fn: fn}
}

type mapTap[T, U any] struct {
	tap Tap[T]
	fn  func(T) U
}

func (m *mapTap[T, U]) Iterator(ctx context.Context) (Iterator[U], error) {
	it, err := m.tap.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	return &mapIterator[T, U]{it: it, fn: m.fn}, nil
}

func (m *mapTap[T, U]) Open(s beam.Scope) beam.PCollection {
	s = s.Scope("beamio.Map")
	return beam.ParDo(s, m.fn, m.tap.Open(s))
}

type mapIterator[T, U any] struct {
	it Iterator[T]
	fn func(T) U
}

func (m *mapIterator[T, U]) Next() (U, error) {
	v, err := m.it.Next()
	if err != nil {
		var zero U
		return zero, err
	}
	return m.fn(v), nil
}

func (m *mapIterator[T, U]) Close() error {
	return m.it.Close()
}

// As converts an untyped tap, as returned by writes, into a typed one. Records
// that are not of type T fail the iteration.
func As[T any](tap Tap[any]) Tap[T] {
	return &asTap[T]{tap: tap}
}

type asTap[T any] struct {
	tap Tap[any]
}

func (a *asTap[T]) Iterator(ctx context.Context) (Iterator[T], error) {
	it, err := a.tap.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	return &asIterator[T]{it: it}, nil
}

func (a *asTap[T]) Open(s beam.Scope) beam.PCollection {
	return a.tap.Open(s)
}

type asIterator[T any] struct {
	it Iterator[any]
}

func (a *asIterator[T]) Next() (T, error) {
	var zero T
	v, err := a.it.Next()
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Errorf("tap record has type %T, want %T", v, zero)
	}
	return t, nil
}

func (a *asIterator[T]) Close() error {
	return a.it.Close()
}

// Erase converts a typed tap into the untyped view used by ClosedTap.
func Erase[T any](tap Tap[T]) Tap[any] {
	return &eraseTap[T]{tap: tap}
}

type eraseTap[T any] struct {
	tap Tap[T]
}

func (e *eraseTap[T]) Iterator(ctx context.Context) (Iterator[any], error) {
	it, err := e.tap.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	return &eraseIterator[T]{it: it}, nil
}

func (e *eraseTap[T]) Open(s beam.Scope) beam.PCollection {
	return e.tap.Open(s)
}

type eraseIterator[T any] struct {
	it Iterator[T]
}

func (e *eraseIterator[T]) Next() (any, error) {
	v, err := e.it.Next()
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (e *eraseIterator[T]) Close() error {
	return e.it.Close()
}

// PendingFunc adapts a readiness check and a tap into a Pending.
type PendingFunc[T any] struct {
	// Resource describes the output, e.g. a file glob or a table name.
	Resource string
	// Check reports whether the output exists.
	Check func(ctx context.Context) (bool, error)
	// Output is the tap over the output.
	Output Tap[T]
}

func (p *PendingFunc[T]) String() string {
	return p.Resource
}

// Ready calls Check.
func (p *PendingFunc[T]) Ready(ctx context.Context) (bool, error) {
	return p.Check(ctx)
}

// Tap returns Output.
func (p *PendingFunc[T]) Tap() Tap[T] {
	return p.Output
}

// ErasePending converts a typed pending output into a ClosedTap.
func ErasePending[T any](p Pending[T]) ClosedTap {
	return &PendingFunc[any]{
		Resource: p.String(),
		Check:    p.Ready,
		Output:   Erase(p.Tap()),
	}
}
