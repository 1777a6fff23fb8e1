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
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	_ "github.com/apache/beam/sdks/v2/go/pkg/beam/io/filesystem/local"
	_ "github.com/apache/beam/sdks/v2/go/pkg/beam/runners/direct"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/testing/passert"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/testing/ptest"
	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func init() {
	beam.RegisterType(reflect.TypeOf((*tableUser)(nil)).Elem())
	beam.RegisterType(reflect.TypeOf((*queryUser)(nil)).Elem())
}

type tableUser struct {
	Name string `bigquery:"name"`
}

func (tableUser) BigQueryTable() string {
	return "p:d.users"
}

type queryUser struct {
	Name string `bigquery:"name"`
}

func (queryUser) BigQueryQuery() string {
	return "SELECT name FROM `p.d.users`"
}

type plainUser struct {
	Name string
}

func TestTyped_Source(t *testing.T) {
	table, query, err := Typed{Type: reflect.TypeOf(tableUser{})}.source()
	if err != nil || table != "p:d.users" || query != "" {
		t.Errorf("source(tableUser) = %q, %q, %v", table, query, err)
	}
	table, query, err = Typed{Type: reflect.TypeOf(queryUser{})}.source()
	if err != nil || table != "" || query == "" {
		t.Errorf("source(queryUser) = %q, %q, %v", table, query, err)
	}
	if _, _, err := (Typed{Type: reflect.TypeOf(plainUser{})}).source(); !errors.Is(err, ErrMissingSource) {
		t.Errorf("source(plainUser) = %v, want ErrMissingSource", err)
	}
	if _, _, err := (Typed{Type: reflect.TypeOf("")}).source(); err == nil {
		t.Errorf("source(string) succeeded, want error")
	}
}

func TestTyped_Write(t *testing.T) {
	_, s := beam.NewPipelineWithRoot()

	users := beam.Create(s, tableUser{Name: "ada"})
	ct, err := Typed{Project: "p", Type: reflect.TypeOf(tableUser{})}.TryWrite(s, users)
	if err != nil {
		t.Fatalf("TryWrite(tableUser) failed: %v", err)
	}
	if got, want := ct.String(), "p:d.users"; got != want {
		t.Errorf("ClosedTap = %v, want %v", got, want)
	}

	results := beam.Create(s, queryUser{Name: "ada"})
	_, err = Typed{Project: "p", Type: reflect.TypeOf(queryUser{})}.TryWrite(s, results)
	if !beamio.IsReadOnly(err) {
		t.Errorf("TryWrite(queryUser) = %v, want a read-only error", err)
	}

	_, err = Typed{Project: "p", Type: reflect.TypeOf(tableUser{})}.TryWrite(s, results)
	if err == nil {
		t.Errorf("TryWrite with mismatched element type succeeded, want error")
	}
}

func TestTyped_Read(t *testing.T) {
	_, s := beam.NewPipelineWithRoot()
	if _, err := (Typed{Project: "p", Type: reflect.TypeOf(tableUser{})}).TryRead(s); err != nil {
		t.Errorf("TryRead(tableUser) failed: %v", err)
	}
	if _, err := (Typed{Project: "p", Type: reflect.TypeOf(queryUser{})}).TryRead(s); err != nil {
		t.Errorf("TryRead(queryUser) failed: %v", err)
	}
	if _, err := (Typed{Project: "p", Type: reflect.TypeOf(plainUser{})}).TryRead(s); !errors.Is(err, ErrMissingSource) {
		t.Errorf("TryRead(plainUser) = %v, want ErrMissingSource", err)
	}
}

func TestSelect(t *testing.T) {
	_, s := beam.NewPipelineWithRoot()
	q := Select{Project: "p", Query: "SELECT 1 AS x", StandardSQL: true}

	col, err := q.TryRead(s)
	if err != nil {
		t.Fatalf("TryRead failed: %v", err)
	}
	if got := col.Type().Type(); got != tableRowType {
		t.Errorf("element type = %v, want TableRow", got)
	}
	if _, err := q.TryWrite(s, col); !beamio.IsReadOnly(err) {
		t.Errorf("TryWrite = %v, want a read-only error", err)
	}
	if _, err := (Select{Project: "p"}).TryRead(s); err == nil {
		t.Errorf("TryRead without a query succeeded, want error")
	}
}

func TestTable(t *testing.T) {
	_, s := beam.NewPipelineWithRoot()
	schema := bigquery.Schema{{Name: "name", Type: bigquery.StringFieldType}}
	table := Table{Project: "p", Table: "p:d.t", Schema: schema}

	if _, err := table.TryRead(s); err != nil {
		t.Errorf("TryRead failed: %v", err)
	}
	if _, err := (Table{Project: "p", Table: "p:d.t", Storage: true}).TryRead(s); err != nil {
		t.Errorf("TryRead with storage failed: %v", err)
	}

	rows := beam.Create(s, TableRow{"name": "ada"})
	if _, err := table.TryWrite(s, rows); err != nil {
		t.Errorf("TryWrite failed: %v", err)
	}
	if _, err := (Table{Project: "p", Table: "p:d.t"}).TryWrite(s, rows); err == nil {
		t.Errorf("TryWrite without schema succeeded, want error")
	}
	if _, err := table.TryWrite(s, beam.Create(s, "ada")); err == nil {
		t.Errorf("TryWrite of strings succeeded, want error")
	}
}

func TestTryReadStorage_Errors(t *testing.T) {
	_, s := beam.NewPipelineWithRoot()
	tests := []struct {
		name string
		fn   func() error
	}{
		{"bad table", func() error {
			_, err := TryReadStorage(s, "p", "nope", tableRowType)
			return err
		}},
		{"non-struct", func() error {
			_, err := TryReadStorage(s, "p", "p:d.t", reflect.TypeOf(""))
			return err
		}},
		{"negative streams", func() error {
			_, err := TryReadStorage(s, "p", "p:d.t", tableRowType, WithMaxStreams(-1))
			return err
		}},
		{"empty field", func() error {
			_, err := TryReadStorage(s, "p", "p:d.t", tableRowType, WithSelectedFields("a", " "))
			return err
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if err := test.fn(); err == nil {
				t.Errorf("%v succeeded, want error", test.name)
			}
		})
	}
}

func TestTableRowJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.json")
	in := []TableRow{
		{"name": "ada", "age": int64(36)},
		{"name": "grace", "address": TableRow{"city": "Arlington"}},
	}

	p, s := beam.NewPipelineWithRoot()
	col := beam.Create(s, in[0], in[1])
	ct := beamio.Write(s, TableRowJSON{Path: path}, col)
	ptest.RunAndValidate(t, p)

	ctx := context.Background()
	if ok, err := ct.Ready(ctx); err != nil || !ok {
		t.Fatalf("Ready() = %v, %v; want true after the pipeline ran", ok, err)
	}

	got, err := beamio.Collect(ctx, beamio.As[TableRow](ct.Tap()))
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	sort.Slice(got, func(i, j int) bool { return got[i]["name"].(string) < got[j]["name"].(string) })
	want := []TableRow{
		{"name": "ada", "age": json.Number("36")},
		{"name": "grace", "address": TableRow{"city": "Arlington"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tap rows mismatch (-want +got):\n%v", diff)
	}

	p, s = beam.NewPipelineWithRoot()
	passert.Count(s, ct.Tap().Open(s), "rows", 2)
	ptest.RunAndValidate(t, p)
}

func TestTableRowJSON_Errors(t *testing.T) {
	_, s := beam.NewPipelineWithRoot()
	if _, err := (TableRowJSON{}).TryRead(s); err == nil {
		t.Errorf("TryRead without a path succeeded, want error")
	}
	if _, err := (TableRowJSON{Path: "/tmp/x.json"}).TryWrite(s, beam.Create(s, 1)); err == nil {
		t.Errorf("TryWrite of ints succeeded, want error")
	}
	if _, err := (TableRowJSON{Path: "nosuchfs://bucket/*.json"}).TryRead(s); err == nil {
		t.Errorf("TryRead with an unregistered scheme succeeded, want error")
	}
	rows := beam.Create(s, TableRow{"name": "a"})
	if _, err := (TableRowJSON{Path: "nosuchfs://bucket/rows.json"}).TryWrite(s, rows); err == nil {
		t.Errorf("TryWrite with an unregistered scheme succeeded, want error")
	}

	ok, err := NewTableRowJSONPending(filepath.Join(t.TempDir(), "*.json")).Ready(context.Background())
	if err != nil || ok {
		t.Errorf("Ready() = %v, %v; want false for missing files", ok, err)
	}
}
