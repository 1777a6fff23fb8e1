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

// Package beamio contains the contracts shared by the Avro and BigQuery
// connectors: readers and writers that insert transforms into a Beam
// pipeline, and taps that re-read materialized output.
//
// Connectors never execute anything themselves. A read or write only builds
// the transforms and hands them to the pipeline; the runner owns scheduling,
// sharding and retries.
package beamio

import (
	"context"
	"fmt"

	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/pkg/errors"
)

var (
	// ErrReadOnly is returned when writing through a connector that can only
	// be read, such as a BigQuery query.
	ErrReadOnly = errors.New("connector is read-only")

	// ErrNotReady is returned when the output behind a tap has not been
	// materialized yet.
	ErrNotReady = errors.New("output is not ready")
)

// Reader inserts a read of some external dataset into a pipeline.
type Reader interface {
	// TryRead inserts the read transforms into the scope and returns the
	// resulting PCollection. Configuration problems are reported as errors.
	TryRead(s beam.Scope) (beam.PCollection, error)
}

// Writer inserts a write of a PCollection to some external dataset.
type Writer interface {
	// TryWrite inserts the write transforms into the scope. The returned
	// ClosedTap becomes readable once the pipeline has run.
	TryWrite(s beam.Scope, col beam.PCollection) (ClosedTap, error)
}

// IO is a connector that can be both read and written.
type IO interface {
	Reader
	Writer

	// Name identifies the connector in errors and scope names.
	Name() string
}

// Read inserts the read of r into the pipeline. It panics on configuration
// errors.
func Read(s beam.Scope, r Reader) beam.PCollection {
	return beam.Must(r.TryRead(s))
}

// Write inserts the write of col through w into the pipeline. It panics on
// configuration errors.
func Write(s beam.Scope, w Writer, col beam.PCollection) ClosedTap {
	ct, err := w.TryWrite(s, col)
	if err != nil {
		panic(err)
	}
	return ct
}

// ReadOnly can be embedded into connectors that have no write path.
type ReadOnly struct {
	// Connector is the name reported in errors.
	Connector string
}

// TryWrite always fails with an error wrapping ErrReadOnly.
func (r ReadOnly) TryWrite(_ beam.Scope, _ beam.PCollection) (ClosedTap, error) {
	return nil, errors.Wrapf(ErrReadOnly, "%v", r.Connector)
}

// IsReadOnly returns true if err was caused by writing to a read-only
// connector.
func IsReadOnly(err error) bool {
	return errors.Is(err, ErrReadOnly)
}

// NotReady returns an error wrapping ErrNotReady for the given resource.
func NotReady(resource fmt.Stringer) error {
	return errors.Wrapf(ErrNotReady, "%v", resource)
}

// Ready is a convenience for checking a pending output once.
func Ready[T any](ctx context.Context, p Pending[T]) (Tap[T], error) {
	ok, err := p.Ready(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NotReady(p)
	}
	return p.Tap(), nil
}
