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
	"bytes"
	"reflect"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var tableRowType = reflect.TypeOf((*TableRow)(nil)).Elem()

func init() {
	beam.RegisterType(tableRowType)
	beam.RegisterCoder(tableRowType, encodeTableRow, decodeTableRow)
}

// TableRow is a row without a Go type binding, keyed by column name. Nested
// records are TableRows and repeated columns are []bigquery.Value.
//
// TableRows are encoded as JSON between pipeline stages, so values that
// crossed a stage boundary are JSON values: numbers are json.Number, bytes
// are base64 strings and timestamps are RFC 3339 strings.
type TableRow map[string]bigquery.Value

var (
	_ bigquery.ValueLoader = (*TableRow)(nil)
	_ bigquery.ValueSaver  = TableRow(nil)
)

// Load implements bigquery.ValueLoader.
func (r *TableRow) Load(values []bigquery.Value, schema bigquery.Schema) error {
	row := make(TableRow, len(schema))
	for i, f := range schema {
		if i >= len(values) {
			break
		}
		v, err := loadValue(values[i], f)
		if err != nil {
			return errors.Wrapf(err, "column %v", f.Name)
		}
		row[f.Name] = v
	}
	*r = row
	return nil
}

func loadValue(v bigquery.Value, f *bigquery.FieldSchema) (bigquery.Value, error) {
	if v == nil || f.Type != bigquery.RecordFieldType {
		return v, nil
	}
	if f.Repeated {
		items, ok := v.([]bigquery.Value)
		if !ok {
			return nil, errors.Errorf("repeated record is %T", v)
		}
		ret := make([]bigquery.Value, len(items))
		for i, item := range items {
			nested, err := loadRecord(item, f.Schema)
			if err != nil {
				return nil, err
			}
			ret[i] = nested
		}
		return ret, nil
	}
	return loadRecord(v, f.Schema)
}

func loadRecord(v bigquery.Value, schema bigquery.Schema) (bigquery.Value, error) {
	values, ok := v.([]bigquery.Value)
	if !ok {
		return nil, errors.Errorf("record is %T", v)
	}
	var nested TableRow
	if err := nested.Load(values, schema); err != nil {
		return nil, err
	}
	return nested, nil
}

// Save implements bigquery.ValueSaver. Rows are inserted without an insert
// id.
func (r TableRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value(r), bigquery.NoDedupeID, nil
}

// Get returns the value of a column, descending into nested records for
// dotted paths such as "address.city".
func (r TableRow) Get(path string) (bigquery.Value, bool) {
	cur := r
	for {
		i := strings.IndexByte(path, '.')
		if i < 0 {
			v, ok := cur[path]
			return v, ok
		}
		next, ok := asRow(cur[path[:i]])
		if !ok {
			return nil, false
		}
		cur, path = next, path[i+1:]
	}
}

func asRow(v bigquery.Value) (TableRow, bool) {
	switch m := v.(type) {
	case TableRow:
		return m, true
	case map[string]bigquery.Value:
		return TableRow(m), true
	}
	return nil, false
}

func encodeTableRow(r TableRow) ([]byte, error) {
	return json.Marshal(r)
}

func decodeTableRow(data []byte) (TableRow, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decoding TableRow")
	}
	return fromJSONObject(m), nil
}

// fromJSONObject converts decoded JSON into a TableRow, turning nested
// objects into TableRows and arrays into []bigquery.Value.
func fromJSONObject(m map[string]any) TableRow {
	row := make(TableRow, len(m))
	for k, v := range m {
		row[k] = fromJSONValue(v)
	}
	return row
}

func fromJSONValue(v any) bigquery.Value {
	switch x := v.(type) {
	case map[string]any:
		return fromJSONObject(x)
	case []any:
		ret := make([]bigquery.Value, len(x))
		for i, e := range x {
			ret[i] = fromJSONValue(e)
		}
		return ret
	default:
		return x
	}
}
