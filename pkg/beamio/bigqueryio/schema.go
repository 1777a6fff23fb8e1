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
	"encoding/base64"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

// ToAvroSchema converts a table schema into an Avro record schema named name,
// following the mapping BigQuery applies when loading Avro files with logical
// types enabled.
func ToAvroSchema(schema bigquery.Schema, name string) (string, error) {
	rec, err := avroRecord(schema, name)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "encoding avro schema")
	}
	return string(b), nil
}

func avroRecord(schema bigquery.Schema, name string) (map[string]any, error) {
	if len(schema) == 0 {
		return nil, errors.Errorf("record %v has no fields", name)
	}
	fields := make([]any, 0, len(schema))
	for _, f := range schema {
		t, err := avroFieldType(f, name)
		if err != nil {
			return nil, err
		}
		field := map[string]any{"name": f.Name, "type": t}
		if f.Description != "" {
			field["doc"] = f.Description
		}
		if isNullable(f) {
			field["default"] = nil
		}
		fields = append(fields, field)
	}
	return map[string]any{"type": "record", "name": name, "fields": fields}, nil
}

func isNullable(f *bigquery.FieldSchema) bool {
	return !f.Required && !f.Repeated
}

func avroFieldType(f *bigquery.FieldSchema, parent string) (any, error) {
	var t any
	switch f.Type {
	case bigquery.StringFieldType, bigquery.GeographyFieldType, bigquery.JSONFieldType:
		t = "string"
	case bigquery.BytesFieldType:
		t = "bytes"
	case bigquery.IntegerFieldType:
		t = "long"
	case bigquery.FloatFieldType:
		t = "double"
	case bigquery.BooleanFieldType:
		t = "boolean"
	case bigquery.NumericFieldType:
		t = map[string]any{"type": "bytes", "logicalType": "decimal", "precision": 38, "scale": 9}
	case bigquery.BigNumericFieldType:
		t = map[string]any{"type": "bytes", "logicalType": "decimal", "precision": 77, "scale": 38}
	case bigquery.TimestampFieldType:
		t = map[string]any{"type": "long", "logicalType": "timestamp-micros"}
	case bigquery.DateFieldType:
		t = map[string]any{"type": "int", "logicalType": "date"}
	case bigquery.TimeFieldType:
		t = map[string]any{"type": "long", "logicalType": "time-micros"}
	case bigquery.DateTimeFieldType:
		t = map[string]any{"type": "string", "logicalType": "datetime"}
	case bigquery.RecordFieldType:
		rec, err := avroRecord(f.Schema, parent+"_"+f.Name)
		if err != nil {
			return nil, err
		}
		t = rec
	default:
		return nil, errors.Errorf("column %v: unsupported type %v", f.Name, f.Type)
	}
	if f.Repeated {
		return map[string]any{"type": "array", "items": t}, nil
	}
	if isNullable(f) {
		return []any{"null", t}, nil
	}
	return t, nil
}

// unionBranch is the goavro union branch name of a nullable column.
func unionBranch(f *bigquery.FieldSchema, parent string) string {
	switch f.Type {
	case bigquery.StringFieldType, bigquery.GeographyFieldType, bigquery.JSONFieldType:
		return "string"
	case bigquery.BytesFieldType:
		return "bytes"
	case bigquery.IntegerFieldType:
		return "long"
	case bigquery.FloatFieldType:
		return "double"
	case bigquery.BooleanFieldType:
		return "boolean"
	case bigquery.NumericFieldType, bigquery.BigNumericFieldType:
		return "bytes.decimal"
	case bigquery.TimestampFieldType:
		return "long.timestamp-micros"
	case bigquery.DateFieldType:
		return "int.date"
	case bigquery.TimeFieldType:
		return "long.time-micros"
	case bigquery.DateTimeFieldType:
		return "string"
	default:
		return parent + "_" + f.Name
	}
}

// RowToNative converts a row into the native form of the record schema
// returned by ToAvroSchema(schema, name).
func RowToNative(row TableRow, schema bigquery.Schema, name string) (map[string]any, error) {
	ret := make(map[string]any, len(schema))
	for _, f := range schema {
		v, err := columnToNative(row[f.Name], f, name)
		if err != nil {
			return nil, errors.Wrapf(err, "column %v", f.Name)
		}
		ret[f.Name] = v
	}
	return ret, nil
}

func columnToNative(v bigquery.Value, f *bigquery.FieldSchema, parent string) (any, error) {
	v, err := normalize(v)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if f.Repeated {
			return []any{}, nil
		}
		if f.Required {
			return nil, errors.New("required column is null")
		}
		return nil, nil
	}
	if f.Repeated {
		items, ok := asSlice(v)
		if !ok {
			return nil, errors.Errorf("repeated column holds %T", v)
		}
		ret := make([]any, len(items))
		for i, item := range items {
			n, err := valueToNative(item, f, parent)
			if err != nil {
				return nil, errors.Wrapf(err, "index %d", i)
			}
			ret[i] = n
		}
		return ret, nil
	}
	n, err := valueToNative(v, f, parent)
	if err != nil {
		return nil, err
	}
	if f.Required {
		return n, nil
	}
	return goavro.Union(unionBranch(f, parent), n), nil
}

func valueToNative(v bigquery.Value, f *bigquery.FieldSchema, parent string) (any, error) {
	switch f.Type {
	case bigquery.StringFieldType, bigquery.GeographyFieldType:
		return toString(v), nil
	case bigquery.JSONFieldType:
		if s, ok := v.(string); ok {
			return s, nil
		}
		b, err := json.Marshal(v)
		return string(b), err
	case bigquery.DateTimeFieldType:
		if dt, ok := v.(civil.DateTime); ok {
			return dt.String(), nil
		}
		return toString(v), nil
	case bigquery.BytesFieldType:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return base64.StdEncoding.DecodeString(b)
		}
	case bigquery.IntegerFieldType:
		return toInt64(v)
	case bigquery.FloatFieldType:
		return toFloat64(v)
	case bigquery.BooleanFieldType:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
	case bigquery.NumericFieldType, bigquery.BigNumericFieldType:
		return toRat(v)
	case bigquery.TimestampFieldType:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			return time.Parse(time.RFC3339Nano, t)
		}
	case bigquery.DateFieldType:
		switch d := v.(type) {
		case civil.Date:
			return d.In(time.UTC), nil
		case time.Time:
			return d, nil
		case string:
			cd, err := civil.ParseDate(d)
			if err != nil {
				return nil, err
			}
			return cd.In(time.UTC), nil
		}
	case bigquery.TimeFieldType:
		var ct civil.Time
		switch t := v.(type) {
		case civil.Time:
			ct = t
		case string:
			parsed, err := civil.ParseTime(t)
			if err != nil {
				return nil, err
			}
			ct = parsed
		default:
			return nil, errors.Errorf("cannot convert %T to TIME", v)
		}
		return time.Duration(ct.Hour)*time.Hour +
			time.Duration(ct.Minute)*time.Minute +
			time.Duration(ct.Second)*time.Second +
			time.Duration(ct.Nanosecond), nil
	case bigquery.RecordFieldType:
		row, ok := asRow(v)
		if !ok {
			return nil, errors.Errorf("record column holds %T", v)
		}
		return RowToNative(row, f.Schema, parent+"_"+f.Name)
	}
	return nil, errors.Errorf("cannot convert %T to %v", v, f.Type)
}

// avroField describes one field of a parsed Avro record schema.
type avroField struct {
	Name string
	Type avroType
}

// avroType is the subset of an Avro type needed to turn native values back
// into BigQuery values.
type avroType struct {
	Union       bool
	LogicalType string
	Items       *avroType
	Fields      []avroField
}

// parseAvroRecord parses the fields of an Avro record schema as produced by
// the Storage Read API or ToAvroSchema.
func parseAvroRecord(schema string) ([]avroField, error) {
	var raw any
	if err := json.Unmarshal([]byte(schema), &raw); err != nil {
		return nil, errors.Wrap(err, "parsing avro schema")
	}
	t, err := parseAvroType(raw)
	if err != nil {
		return nil, err
	}
	if t.Fields == nil {
		return nil, errors.New("avro schema is not a record")
	}
	return t.Fields, nil
}

func parseAvroType(raw any) (avroType, error) {
	switch t := raw.(type) {
	case string:
		return avroType{}, nil
	case []any:
		for _, branch := range t {
			if branch == "null" {
				continue
			}
			inner, err := parseAvroType(branch)
			if err != nil {
				return avroType{}, err
			}
			inner.Union = true
			return inner, nil
		}
		return avroType{Union: true}, nil
	case map[string]any:
		ret := avroType{}
		ret.LogicalType, _ = t["logicalType"].(string)
		switch t["type"] {
		case "array":
			items, err := parseAvroType(t["items"])
			if err != nil {
				return avroType{}, err
			}
			ret.Items = &items
		case "record":
			fields, _ := t["fields"].([]any)
			ret.Fields = []avroField{}
			for _, rf := range fields {
				m, ok := rf.(map[string]any)
				if !ok {
					return avroType{}, errors.Errorf("malformed avro field: %v", rf)
				}
				ft, err := parseAvroType(m["type"])
				if err != nil {
					return avroType{}, err
				}
				name, _ := m["name"].(string)
				ret.Fields = append(ret.Fields, avroField{Name: name, Type: ft})
			}
		}
		return ret, nil
	default:
		return avroType{}, errors.Errorf("malformed avro type: %v", raw)
	}
}

// nativeToRow converts a native Avro record with the given fields into a
// TableRow, unwrapping unions and mapping logical types onto the values the
// bigquery client uses.
func nativeToRow(native map[string]any, fields []avroField) TableRow {
	row := make(TableRow, len(fields))
	for _, f := range fields {
		row[f.Name] = nativeToValue(native[f.Name], f.Type)
	}
	return row
}

func nativeToValue(v any, t avroType) bigquery.Value {
	if v == nil {
		return nil
	}
	if t.Union {
		if m, ok := v.(map[string]any); ok && len(m) == 1 {
			for _, inner := range m {
				v = inner
			}
		}
		if v == nil {
			return nil
		}
	}
	switch {
	case t.Items != nil:
		items, _ := v.([]any)
		ret := make([]bigquery.Value, len(items))
		for i, item := range items {
			ret[i] = nativeToValue(item, *t.Items)
		}
		return ret
	case t.Fields != nil:
		m, _ := v.(map[string]any)
		return nativeToRow(m, t.Fields)
	}
	switch t.LogicalType {
	case "date":
		if d, ok := v.(time.Time); ok {
			return civil.DateOf(d)
		}
	case "time-micros":
		if d, ok := v.(time.Duration); ok {
			return civil.TimeOf(time.Time{}.Add(d))
		}
	case "datetime":
		if s, ok := v.(string); ok {
			if dt, err := civil.ParseDateTime(strings.Replace(s, " ", "T", 1)); err == nil {
				return dt
			}
		}
	}
	return v
}

// NativeToRow converts a native record decoded with the Avro schema into a
// TableRow.
func NativeToRow(native map[string]any, schema string) (TableRow, error) {
	fields, err := parseAvroRecord(schema)
	if err != nil {
		return nil, err
	}
	return nativeToRow(native, fields), nil
}

// normalize reduces values that only know how to marshal themselves, such as
// bigquery.NullInt64, to plain JSON values.
func normalize(v bigquery.Value) (bigquery.Value, error) {
	switch v.(type) {
	case nil, time.Time, *big.Rat, civil.Date, civil.Time, civil.DateTime, numeric:
		return v, nil
	case json.Marshaler:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var ret any
		if err := dec.Decode(&ret); err != nil {
			return nil, err
		}
		return fromJSONValue(ret), nil
	}
	return v, nil
}

// numeric is implemented by json.Number.
type numeric interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

func toString(v bigquery.Value) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case numeric:
		return s.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}

func toInt64(v bigquery.Value) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case numeric:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(rv.Uint()), nil
	}
	return 0, errors.Errorf("cannot convert %T to INTEGER", v)
}

func toFloat64(v bigquery.Value) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case numeric:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	}
	return 0, errors.Errorf("cannot convert %T to FLOAT", v)
}

func toRat(v bigquery.Value) (*big.Rat, error) {
	switch n := v.(type) {
	case *big.Rat:
		return n, nil
	case int64:
		return new(big.Rat).SetInt64(n), nil
	case float64:
		return new(big.Rat).SetFloat64(n), nil
	case numeric:
		return parseRat(n.String())
	case string:
		return parseRat(n)
	}
	return nil, errors.Errorf("cannot convert %T to NUMERIC", v)
}

func parseRat(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, errors.Errorf("invalid numeric value %q", s)
	}
	return r, nil
}

func asSlice(v bigquery.Value) ([]bigquery.Value, bool) {
	switch s := v.(type) {
	case []bigquery.Value:
		return s, true
	}
	return nil, false
}
