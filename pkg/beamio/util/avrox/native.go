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

package avrox

import (
	"math/big"
	"reflect"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

// ToNative converts a struct, or a pointer to one, into the native record
// form accepted by goavro codecs built from InferSchema with the same
// options.
func ToNative(v any, opts ...Option) (map[string]any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, errors.New("cannot convert nil record")
		}
		rv = rv.Elem()
	}
	r, err := bind(rv.Type(), newOptions(opts))
	if err != nil {
		return nil, err
	}
	return r.toNative(rv), nil
}

func (r *record) toNative(rv reflect.Value) map[string]any {
	ret := make(map[string]any, len(r.fields))
	for _, f := range r.fields {
		ret[f.name] = f.node.toNative(rv.FieldByIndex(f.index))
	}
	return ret
}

func (n *node) toNative(rv reflect.Value) any {
	switch n.kind {
	case kindBoolean:
		return rv.Bool()
	case kindInt:
		if isUnsigned(rv.Kind()) {
			return int32(rv.Uint())
		}
		return int32(rv.Int())
	case kindLong:
		if isUnsigned(rv.Kind()) {
			return int64(rv.Uint())
		}
		return rv.Int()
	case kindFloat:
		return float32(rv.Float())
	case kindDouble:
		return rv.Float()
	case kindString:
		return rv.String()
	case kindBytes:
		return append([]byte{}, rv.Bytes()...)
	case kindTimestamp:
		return rv.Interface().(time.Time)
	case kindDate:
		return rv.Interface().(civil.Date).In(time.UTC)
	case kindTimeOfDay:
		return sinceMidnight(rv.Interface().(civil.Time))
	case kindDateTime:
		return rv.Interface().(civil.DateTime).String()
	case kindDecimal:
		r := rv.Interface().(big.Rat)
		return new(big.Rat).Set(&r)
	case kindArray:
		ret := make([]any, rv.Len())
		for i := range ret {
			ret[i] = n.elem.toNative(rv.Index(i))
		}
		return ret
	case kindMap:
		ret := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ret[iter.Key().String()] = n.elem.toNative(iter.Value())
		}
		return ret
	case kindRecord:
		return n.record.toNative(rv)
	case kindNullable:
		if rv.IsNil() {
			return nil
		}
		return goavro.Union(n.elem.unionName(), n.elem.toNative(rv.Elem()))
	default:
		panic(errors.Errorf("unexpected avro kind %v", n.kind))
	}
}

// FromNative populates the struct pointed to by ptr from a native record as
// returned by goavro codecs. Fields missing from native keep their zero
// value. Union values are accepted both wrapped, as goavro decodes them, and
// bare.
func FromNative(native map[string]any, ptr any, opts ...Option) error {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.Errorf("FromNative requires a non-nil pointer, got %T", ptr)
	}
	rv = rv.Elem()
	r, err := bind(rv.Type(), newOptions(opts))
	if err != nil {
		return err
	}
	return r.fromNative(native, rv)
}

func (r *record) fromNative(native map[string]any, rv reflect.Value) error {
	for _, f := range r.fields {
		v, ok := native[f.name]
		if !ok {
			continue
		}
		if err := f.node.fromNative(v, rv.FieldByIndex(f.index)); err != nil {
			return errors.Wrapf(err, "field %v of %v", f.name, r.fullname)
		}
	}
	return nil
}

func (n *node) fromNative(v any, dst reflect.Value) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	v = n.unwrap(v)
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	switch n.kind {
	case kindBoolean:
		b, ok := v.(bool)
		if !ok {
			return mismatch(v, dst)
		}
		dst.SetBool(b)
	case kindInt, kindLong:
		i, ok := toInt64(v)
		if !ok {
			return mismatch(v, dst)
		}
		if isUnsigned(dst.Kind()) {
			if i < 0 || dst.OverflowUint(uint64(i)) {
				return overflow(v, dst)
			}
			dst.SetUint(uint64(i))
		} else {
			if dst.OverflowInt(i) {
				return overflow(v, dst)
			}
			dst.SetInt(i)
		}
	case kindFloat, kindDouble:
		f, ok := toFloat64(v)
		if !ok {
			return mismatch(v, dst)
		}
		if dst.OverflowFloat(f) {
			return overflow(v, dst)
		}
		dst.SetFloat(f)
	case kindString:
		switch s := v.(type) {
		case string:
			dst.SetString(s)
		case []byte:
			dst.SetString(string(s))
		default:
			return mismatch(v, dst)
		}
	case kindBytes:
		switch b := v.(type) {
		case []byte:
			dst.SetBytes(append([]byte{}, b...))
		case string:
			dst.SetBytes([]byte(b))
		default:
			return mismatch(v, dst)
		}
	case kindTimestamp:
		switch t := v.(type) {
		case time.Time:
			dst.Set(reflect.ValueOf(t))
		case int64:
			dst.Set(reflect.ValueOf(time.UnixMicro(t).UTC()))
		default:
			return mismatch(v, dst)
		}
	case kindDate:
		switch d := v.(type) {
		case time.Time:
			dst.Set(reflect.ValueOf(civil.DateOf(d)))
		case civil.Date:
			dst.Set(reflect.ValueOf(d))
		case string:
			cd, err := civil.ParseDate(d)
			if err != nil {
				return err
			}
			dst.Set(reflect.ValueOf(cd))
		default:
			return mismatch(v, dst)
		}
	case kindTimeOfDay:
		switch t := v.(type) {
		case time.Duration:
			dst.Set(reflect.ValueOf(civil.TimeOf(time.Time{}.Add(t))))
		case civil.Time:
			dst.Set(reflect.ValueOf(t))
		case int64:
			dst.Set(reflect.ValueOf(civil.TimeOf(time.Time{}.Add(time.Duration(t) * time.Microsecond))))
		default:
			return mismatch(v, dst)
		}
	case kindDateTime:
		switch dt := v.(type) {
		case string:
			parsed, err := civil.ParseDateTime(strings.Replace(dt, " ", "T", 1))
			if err != nil {
				return err
			}
			dst.Set(reflect.ValueOf(parsed))
		case civil.DateTime:
			dst.Set(reflect.ValueOf(dt))
		case time.Time:
			dst.Set(reflect.ValueOf(civil.DateTimeOf(dt)))
		default:
			return mismatch(v, dst)
		}
	case kindDecimal:
		r, ok := v.(*big.Rat)
		if !ok {
			return mismatch(v, dst)
		}
		dst.Addr().Interface().(*big.Rat).Set(r)
	case kindArray:
		items, ok := v.([]any)
		if !ok {
			return mismatch(v, dst)
		}
		if dst.Kind() == reflect.Slice {
			dst.Set(reflect.MakeSlice(dst.Type(), len(items), len(items)))
		}
		for i := 0; i < len(items) && i < dst.Len(); i++ {
			if err := n.elem.fromNative(items[i], dst.Index(i)); err != nil {
				return errors.Wrapf(err, "index %d", i)
			}
		}
	case kindMap:
		m, ok := v.(map[string]any)
		if !ok {
			return mismatch(v, dst)
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(m))
		for k, e := range m {
			ev := reflect.New(dst.Type().Elem()).Elem()
			if err := n.elem.fromNative(e, ev); err != nil {
				return errors.Wrapf(err, "key %v", k)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(dst.Type().Key()), ev)
		}
		dst.Set(out)
	case kindRecord:
		m, ok := v.(map[string]any)
		if !ok {
			return mismatch(v, dst)
		}
		return n.record.fromNative(m, dst)
	case kindNullable:
		ptr := reflect.New(dst.Type().Elem())
		if err := n.elem.fromNative(v, ptr.Elem()); err != nil {
			return err
		}
		dst.Set(ptr)
	}
	return nil
}

// unwrap strips a goavro union wrapper, map[string]any{"<branch>": value},
// when the target type cannot itself be a single-entry map. For records, a
// single key that is not a field of the record is a union branch.
func (n *node) unwrap(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v
	}
	target := n
	if n.kind == kindNullable {
		target = n.elem
	}
	for branch, inner := range m {
		switch target.kind {
		case kindMap:
			if _, isMap := inner.(map[string]any); branch == "map" && isMap {
				return inner
			}
			return v
		case kindRecord:
			if branch == target.record.fullname || branch == target.record.name {
				return inner
			}
			if !target.record.hasField(branch) {
				return inner
			}
			return v
		default:
			return inner
		}
	}
	return v
}

func (r *record) hasField(name string) bool {
	for _, f := range r.fields {
		if f.name == name {
			return true
		}
	}
	return false
}

func mismatch(v any, dst reflect.Value) error {
	return errors.Errorf("cannot assign %T to %v", v, dst.Type())
}

func overflow(v any, dst reflect.Value) error {
	return errors.Errorf("value %v overflows %v", v, dst.Type())
}

func sinceMidnight(t civil.Time) time.Duration {
	return time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second +
		time.Duration(t.Nanosecond)
}

func isUnsigned(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case *big.Rat:
		if !n.IsInt() {
			return 0, false
		}
		return n.Num().Int64(), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case *big.Rat:
		f, _ := n.Float64()
		return f, true
	}
	return 0, false
}
