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

// Package avrox binds Go structs to Avro records. It derives Avro schemas
// from struct types and converts between struct values and the native form
// used by goavro codecs.
package avrox

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"

	"cloud.google.com/go/civil"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// DefaultTagKey is the struct tag consulted for Avro field names.
const DefaultTagKey = "avro"

type options struct {
	tagKey    string
	namespace string
	name      string
}

// Option configures schema derivation.
type Option func(*options)

// WithTagKey selects the struct tag used for field names, e.g. "bigquery" to
// share names with bigquery.InferSchema.
func WithTagKey(key string) Option {
	return func(o *options) {
		o.tagKey = key
	}
}

// WithNamespace sets the namespace of the top-level record.
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithName overrides the name of the top-level record, which defaults to the
// Go type name.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func newOptions(opts []Option) options {
	o := options{tagKey: DefaultTagKey}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type kind int

const (
	kindBoolean kind = iota
	kindInt
	kindLong
	kindFloat
	kindDouble
	kindString
	kindBytes
	kindTimestamp
	kindDate
	kindTimeOfDay
	kindDateTime
	kindDecimal
	kindArray
	kindMap
	kindRecord
	kindNullable
)

// node is the Avro type bound to a Go type.
type node struct {
	kind   kind
	elem   *node // array items, map values or the non-null union branch
	record *record
}

type record struct {
	name     string
	fullname string
	goType   reflect.Type
	fields   []recordField
}

type recordField struct {
	name  string
	index []int
	node  *node
}

// unionName is the name goavro uses for the type as a union branch.
func (n *node) unionName() string {
	switch n.kind {
	case kindBoolean:
		return "boolean"
	case kindInt:
		return "int"
	case kindLong:
		return "long"
	case kindFloat:
		return "float"
	case kindDouble:
		return "double"
	case kindString:
		return "string"
	case kindBytes:
		return "bytes"
	case kindTimestamp:
		return "long.timestamp-micros"
	case kindDate:
		return "int.date"
	case kindTimeOfDay:
		return "long.time-micros"
	case kindDateTime:
		return "string"
	case kindDecimal:
		return "bytes.decimal"
	case kindArray:
		return "array"
	case kindMap:
		return "map"
	case kindRecord:
		return n.record.fullname
	default:
		return "null"
	}
}

var (
	timeType      = reflect.TypeOf(time.Time{})
	dateType      = reflect.TypeOf(civil.Date{})
	timeOfDayType = reflect.TypeOf(civil.Time{})
	dateTimeType  = reflect.TypeOf(civil.DateTime{})
	ratType       = reflect.TypeOf(big.Rat{})
)

// Decimal precision and scale of big.Rat fields, those of BigQuery NUMERIC.
const (
	decimalPrecision = 38
	decimalScale     = 9
)

type cacheKey struct {
	t    reflect.Type
	opts options
}

var bindings sync.Map // cacheKey -> *record

// binder derives the record tree for one top-level type.
type binder struct {
	opts    options
	byType  map[reflect.Type]*record
	byName  map[string]reflect.Type
	current []string
}

func bind(t reflect.Type, opts options) (*record, error) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	key := cacheKey{t: t, opts: opts}
	if r, ok := bindings.Load(key); ok {
		return r.(*record), nil
	}
	if t.Kind() != reflect.Struct {
		return nil, errors.Errorf("avro record type must be a struct: %v", t)
	}
	b := &binder{
		opts:   opts,
		byType: make(map[reflect.Type]*record),
		byName: make(map[string]reflect.Type),
	}
	name := opts.name
	if name == "" {
		name = t.Name()
	}
	r, err := b.record(t, name)
	if err != nil {
		return nil, err
	}
	actual, _ := bindings.LoadOrStore(key, r)
	return actual.(*record), nil
}

func (b *binder) record(t reflect.Type, name string) (*record, error) {
	if r, ok := b.byType[t]; ok {
		return r, nil
	}
	name = sanitizeName(name)
	if prev, ok := b.byName[name]; ok && prev != t {
		for i := 2; ; i++ {
			candidate := fmt.Sprintf("%v_%d", name, i)
			if _, taken := b.byName[candidate]; !taken {
				name = candidate
				break
			}
		}
	}
	fullname := name
	if b.opts.namespace != "" {
		fullname = b.opts.namespace + "." + name
	}
	r := &record{name: name, fullname: fullname, goType: t}
	b.byType[t] = r
	b.byName[name] = t

	if err := b.fields(r, t, nil); err != nil {
		return nil, err
	}
	if len(r.fields) == 0 {
		return nil, errors.Errorf("avro record %v has no exported fields", t)
	}
	return r, nil
}

func (b *binder) fields(r *record, t reflect.Type, index []int) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		idx := append(append([]int(nil), index...), i)

		tag, hasTag := f.Tag.Lookup(b.opts.tagKey)
		name := strings.Split(tag, ",")[0]
		if name == "-" {
			continue
		}
		if f.Anonymous && !hasTag && f.Type.Kind() == reflect.Struct {
			if err := b.fields(r, f.Type, idx); err != nil {
				return err
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}

		b.current = append(b.current, f.Name)
		n, err := b.node(f.Type, f.Name)
		b.current = b.current[:len(b.current)-1]
		if err != nil {
			return err
		}
		r.fields = append(r.fields, recordField{name: name, index: idx, node: n})
	}
	return nil
}

func (b *binder) node(t reflect.Type, fieldName string) (*node, error) {
	switch t {
	case timeType:
		return &node{kind: kindTimestamp}, nil
	case dateType:
		return &node{kind: kindDate}, nil
	case timeOfDayType:
		return &node{kind: kindTimeOfDay}, nil
	case dateTimeType:
		return &node{kind: kindDateTime}, nil
	case ratType:
		return &node{kind: kindDecimal}, nil
	}
	switch t.Kind() {
	case reflect.Bool:
		return &node{kind: kindBoolean}, nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint8, reflect.Uint16:
		return &node{kind: kindInt}, nil
	case reflect.Int, reflect.Int64, reflect.Uint32:
		return &node{kind: kindLong}, nil
	case reflect.Float32:
		return &node{kind: kindFloat}, nil
	case reflect.Float64:
		return &node{kind: kindDouble}, nil
	case reflect.String:
		return &node{kind: kindString}, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return &node{kind: kindBytes}, nil
		}
		fallthrough
	case reflect.Array:
		elem, err := b.node(t.Elem(), fieldName)
		if err != nil {
			return nil, err
		}
		return &node{kind: kindArray, elem: elem}, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, b.errorf("map key must be a string: %v", t)
		}
		elem, err := b.node(t.Elem(), fieldName)
		if err != nil {
			return nil, err
		}
		return &node{kind: kindMap, elem: elem}, nil
	case reflect.Struct:
		name := t.Name()
		if name == "" {
			name = strings.Join(b.current, "_")
		}
		r, err := b.record(t, name)
		if err != nil {
			return nil, err
		}
		return &node{kind: kindRecord, record: r}, nil
	case reflect.Ptr:
		if t.Elem().Kind() == reflect.Ptr {
			return nil, b.errorf("nested pointers are not supported: %v", t)
		}
		elem, err := b.node(t.Elem(), fieldName)
		if err != nil {
			return nil, err
		}
		return &node{kind: kindNullable, elem: elem}, nil
	default:
		return nil, b.errorf("unsupported type: %v", t)
	}
}

func (b *binder) errorf(format string, args ...any) error {
	return errors.Errorf("field %v: %v", strings.Join(b.current, "."), fmt.Sprintf(format, args...))
}

// sanitizeName maps a Go type name, possibly instantiated from a generic,
// onto the Avro name grammar [A-Za-z_][A-Za-z0-9_]*.
func sanitizeName(name string) string {
	var sb strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || r < unicode.MaxASCII && unicode.IsLetter(r):
			sb.WriteRune(r)
		case r < unicode.MaxASCII && unicode.IsDigit(r):
			if i == 0 {
				sb.WriteRune('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "Record"
	}
	return sb.String()
}

// InferSchema derives the Avro record schema of the struct type t and returns
// it as JSON.
func InferSchema(t reflect.Type, opts ...Option) (string, error) {
	o := newOptions(opts)
	r, err := bind(t, o)
	if err != nil {
		return "", err
	}
	defined := make(map[string]bool)
	s := r.schema(defined)
	if o.namespace != "" {
		s.(map[string]any)["namespace"] = o.namespace
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", errors.Wrapf(err, "encoding avro schema for %v", t)
	}
	return string(b), nil
}

// MustInferSchema is InferSchema that panics on error.
func MustInferSchema(t reflect.Type, opts ...Option) string {
	s, err := InferSchema(t, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (r *record) schema(defined map[string]bool) any {
	if defined[r.fullname] {
		return r.name
	}
	defined[r.fullname] = true

	fields := make([]any, 0, len(r.fields))
	for _, f := range r.fields {
		fs := map[string]any{
			"name": f.name,
			"type": f.node.schema(defined),
		}
		if f.node.kind == kindNullable {
			fs["default"] = nil
		}
		fields = append(fields, fs)
	}
	return map[string]any{
		"type":   "record",
		"name":   r.name,
		"fields": fields,
	}
}

func (n *node) schema(defined map[string]bool) any {
	switch n.kind {
	case kindTimestamp:
		return map[string]any{"type": "long", "logicalType": "timestamp-micros"}
	case kindDate:
		return map[string]any{"type": "int", "logicalType": "date"}
	case kindTimeOfDay:
		return map[string]any{"type": "long", "logicalType": "time-micros"}
	case kindDateTime:
		return map[string]any{"type": "string", "logicalType": "datetime"}
	case kindDecimal:
		return map[string]any{"type": "bytes", "logicalType": "decimal", "precision": decimalPrecision, "scale": decimalScale}
	case kindArray:
		return map[string]any{"type": "array", "items": n.elem.schema(defined)}
	case kindMap:
		return map[string]any{"type": "map", "values": n.elem.schema(defined)}
	case kindRecord:
		return n.record.schema(defined)
	case kindNullable:
		return []any{"null", n.elem.schema(defined)}
	default:
		return n.unionName()
	}
}
