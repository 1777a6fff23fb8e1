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

package bigqueryio

import (
	"context"
	"reflect"

	"cloud.google.com/go/bigquery"
	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
)

// TableTap reads a table outside of a pipeline with the tabledata.list API.
type TableTap[T any] struct {
	project string
	table   QualifiedTableName
	t       reflect.Type
	opts    []option.ClientOption
}

// NewTableTap returns a tap over the rows of table, billed to project. T must
// be TableRow or a struct.
func NewTableTap[T any](project, table string, opts ...option.ClientOption) (*TableTap[T], error) {
	qn, err := NewQualifiedTableName(table)
	if err != nil {
		return nil, err
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	if err := checkElemType(t); err != nil {
		return nil, err
	}
	return &TableTap[T]{project: project, table: qn, t: t, opts: opts}, nil
}

func newTableTapOf(project string, qn QualifiedTableName, t reflect.Type) *TableTap[any] {
	return &TableTap[any]{project: project, table: qn, t: t}
}

// Table returns the table the tap reads.
func (tt *TableTap[T]) Table() QualifiedTableName {
	return tt.table
}

// Iterator lists the rows of the table.
func (tt *TableTap[T]) Iterator(ctx context.Context) (beamio.Iterator[T], error) {
	client, err := bigquery.NewClient(ctx, tt.project, tt.opts...)
	if err != nil {
		return nil, err
	}
	it := client.DatasetInProject(tt.table.Project, tt.table.Dataset).Table(tt.table.Table).Read(ctx)
	return &rowIterator[T]{client: client, it: it, t: tt.t}, nil
}

// Open reads the table in a pipeline.
func (tt *TableTap[T]) Open(s beam.Scope) beam.PCollection {
	return Read(s, tt.project, tt.table.String(), tt.t)
}

// QueryTap runs a query outside of a pipeline and iterates over its results.
type QueryTap[T any] struct {
	project string
	query   string
	options QueryOptions
	t       reflect.Type
	opts    []option.ClientOption
}

// NewQueryTap returns a tap over the results of q, run in project.
func NewQueryTap[T any](project, q string, queryOptions []func(*QueryOptions) error, opts ...option.ClientOption) (*QueryTap[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if err := checkElemType(t); err != nil {
		return nil, err
	}
	qo, err := newQueryOptions(queryOptions)
	if err != nil {
		return nil, err
	}
	return &QueryTap[T]{project: project, query: q, options: qo, t: t, opts: opts}, nil
}

// Iterator runs the query and iterates over the result rows.
func (qt *QueryTap[T]) Iterator(ctx context.Context) (beamio.Iterator[T], error) {
	client, err := bigquery.NewClient(ctx, qt.project, qt.opts...)
	if err != nil {
		return nil, err
	}
	it, err := runQuery(ctx, client, qt.query, qt.options)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "bigquery query failed: %v", qt.query)
	}
	return &rowIterator[T]{client: client, it: it, t: qt.t}, nil
}

// Open runs the query in a pipeline.
func (qt *QueryTap[T]) Open(s beam.Scope) beam.PCollection {
	return query(s.Scope("bigquery.Query"), qt.project, qt.query, qt.t, qt.options)
}

type rowIterator[T any] struct {
	client *bigquery.Client
	it     *bigquery.RowIterator
	t      reflect.Type
}

func (r *rowIterator[T]) Next() (T, error) {
	var zero T
	val := reflect.New(r.t) // val : *T
	if err := r.it.Next(val.Interface()); err != nil {
		return zero, err
	}
	return val.Elem().Interface().(T), nil
}

func (r *rowIterator[T]) Close() error {
	return r.client.Close()
}

// NewTablePending returns a pending output for a table written by another
// job. The table is ready once it exists.
func NewTablePending[T any](project, table string, opts ...option.ClientOption) (beamio.Pending[T], error) {
	tap, err := NewTableTap[T](project, table, opts...)
	if err != nil {
		return nil, err
	}
	return &beamio.PendingFunc[T]{
		Resource: tap.table.String(),
		Check: func(ctx context.Context) (bool, error) {
			return tableExists(ctx, project, tap.table, opts...)
		},
		Output: tap,
	}, nil
}

func newTablePending(project string, qn QualifiedTableName, t reflect.Type) beamio.ClosedTap {
	return &beamio.PendingFunc[any]{
		Resource: qn.String(),
		Check: func(ctx context.Context) (bool, error) {
			return tableExists(ctx, project, qn)
		},
		Output: newTableTapOf(project, qn, t),
	}
}

func tableExists(ctx context.Context, project string, qn QualifiedTableName, opts ...option.ClientOption) (bool, error) {
	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return false, err
	}
	defer client.Close()
	return TableExists(ctx, client, qn)
}
