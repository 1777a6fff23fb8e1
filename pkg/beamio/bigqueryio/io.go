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
	"reflect"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/pkg/errors"
)

// ErrMissingSource is returned for Typed connectors whose type names neither
// a table nor a query.
var ErrMissingSource = errors.New("type implements neither TableSource nor QuerySource")

var (
	_ beamio.IO = Table{}
	_ beamio.IO = Select{}
	_ beamio.IO = Typed{}
	_ beamio.IO = TableRowJSON{}
)

// Table reads and writes TableRows of a table.
type Table struct {
	Project string
	// Table is "<project>:<dataset>.<table>" or "<project>.<dataset>.<table>".
	Table string
	// Schema is required when writing creates the table.
	Schema bigquery.Schema
	// Storage reads through the Storage Read API instead of a query.
	Storage        bool
	StorageOptions []StorageOption
	WriteOptions   []WriteOption
}

func (t Table) Name() string {
	return "bigqueryio.Table"
}

func (t Table) TryRead(s beam.Scope) (beam.PCollection, error) {
	if t.Storage {
		return TryReadStorage(s, t.Project, t.Table, tableRowType, t.StorageOptions...)
	}
	return TryRead(s, t.Project, t.Table, tableRowType)
}

func (t Table) TryWrite(s beam.Scope, col beam.PCollection) (beamio.ClosedTap, error) {
	if got := col.Type().Type(); got != tableRowType {
		return nil, errors.Errorf("%v writes TableRow, got %v", t.Name(), got)
	}
	opts := t.WriteOptions
	if len(t.Schema) > 0 {
		opts = append([]WriteOption{WithSchema(t.Schema)}, opts...)
	}
	return TryWrite(s, t.Project, t.Table, col, opts...)
}

// Select reads the results of a query. It cannot be written.
type Select struct {
	Project string
	Query   string
	// StandardSQL selects the Standard SQL dialect instead of legacy SQL.
	StandardSQL bool
	// Type is the result type. It defaults to TableRow.
	Type reflect.Type
}

func (q Select) Name() string {
	return "bigqueryio.Select"
}

func (q Select) TryRead(s beam.Scope) (beam.PCollection, error) {
	t := q.Type
	if t == nil {
		t = tableRowType
	}
	var opts []func(*QueryOptions) error
	if q.StandardSQL {
		opts = append(opts, UseStandardSQL())
	}
	return TryQuery(s, q.Project, q.Query, t, opts...)
}

func (q Select) TryWrite(s beam.Scope, col beam.PCollection) (beamio.ClosedTap, error) {
	return beamio.ReadOnly{Connector: q.Name()}.TryWrite(s, col)
}

// TableSource is implemented by struct types that are stored in a table.
type TableSource interface {
	// BigQueryTable returns the table, e.g. "project:dataset.table".
	BigQueryTable() string
}

// QuerySource is implemented by struct types that are the result of a query.
// Queries are Standard SQL.
type QuerySource interface {
	BigQueryQuery() string
}

// Typed reads and writes structs whose type names its own source. A type
// implementing QuerySource is read from its query, otherwise from its table.
// Types without a table cannot be written.
type Typed struct {
	Project      string
	Type         reflect.Type
	WriteOptions []WriteOption
}

func (t Typed) Name() string {
	return "bigqueryio.Typed"
}

func (t Typed) source() (table, query string, err error) {
	if t.Type == nil || t.Type.Kind() != reflect.Struct {
		return "", "", errors.Errorf("%v requires a struct type, got %v", t.Name(), t.Type)
	}
	v := reflect.New(t.Type).Interface()
	if ts, ok := v.(TableSource); ok {
		table = ts.BigQueryTable()
	}
	if qs, ok := v.(QuerySource); ok {
		query = qs.BigQueryQuery()
	}
	if strings.TrimSpace(table) == "" && strings.TrimSpace(query) == "" {
		return "", "", errors.Wrapf(ErrMissingSource, "%v", t.Type)
	}
	return table, query, nil
}

func (t Typed) TryRead(s beam.Scope) (beam.PCollection, error) {
	table, query, err := t.source()
	if err != nil {
		return beam.PCollection{}, err
	}
	if query != "" {
		return TryQuery(s, t.Project, query, t.Type, UseStandardSQL())
	}
	return TryRead(s, t.Project, table, t.Type)
}

func (t Typed) TryWrite(s beam.Scope, col beam.PCollection) (beamio.ClosedTap, error) {
	table, _, err := t.source()
	if err != nil {
		return nil, err
	}
	if table == "" {
		return beamio.ReadOnly{Connector: t.Name() + "[" + t.Type.String() + "]"}.TryWrite(s, col)
	}
	if got := col.Type().Type(); got != t.Type {
		return nil, errors.Errorf("%v writes %v, got %v", t.Name(), t.Type, got)
	}
	return TryWrite(s, t.Project, table, col, t.WriteOptions...)
}
