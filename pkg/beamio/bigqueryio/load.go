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
	"math/big"
	"reflect"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/pkg/errors"
)

var (
	timeType      = reflect.TypeOf(time.Time{})
	dateType      = reflect.TypeOf(civil.Date{})
	timeOfDayType = reflect.TypeOf(civil.Time{})
	dateTimeType  = reflect.TypeOf(civil.DateTime{})
	ratType       = reflect.TypeOf(big.Rat{})
)

// nullTypes are the bigquery.Null* wrappers. Their first field holds the
// value and Valid reports whether it is set.
var nullTypes = map[reflect.Type]bool{
	reflect.TypeOf(bigquery.NullInt64{}):     true,
	reflect.TypeOf(bigquery.NullFloat64{}):   true,
	reflect.TypeOf(bigquery.NullBool{}):      true,
	reflect.TypeOf(bigquery.NullString{}):    true,
	reflect.TypeOf(bigquery.NullGeography{}): true,
	reflect.TypeOf(bigquery.NullJSON{}):      true,
	reflect.TypeOf(bigquery.NullTimestamp{}): true,
	reflect.TypeOf(bigquery.NullDate{}):      true,
	reflect.TypeOf(bigquery.NullTime{}):      true,
	reflect.TypeOf(bigquery.NullDateTime{}):  true,
}

// loadStruct sets the fields of the struct dst from the columns of row, as
// the bigquery client loads query results into structs. Columns without a
// field are ignored; fields without a column keep their value.
func loadStruct(row TableRow, dst reflect.Value) error {
	for _, c := range structColumns(dst.Type(), TagKey) {
		v, ok := lookupColumn(row, c.name)
		if !ok {
			continue
		}
		if err := loadField(v, dst.FieldByIndex(c.index)); err != nil {
			return errors.Wrapf(err, "column %v", c.name)
		}
	}
	return nil
}

// lookupColumn finds the column by name. Column names are case-insensitive.
func lookupColumn(row TableRow, name string) (bigquery.Value, bool) {
	if v, ok := row[name]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func loadField(v bigquery.Value, dst reflect.Value) error {
	t := dst.Type()
	if v == nil {
		dst.Set(reflect.Zero(t))
		return nil
	}
	if nullTypes[t] {
		if err := loadField(v, dst.Field(0)); err != nil {
			return err
		}
		dst.FieldByName("Valid").SetBool(true)
		return nil
	}

	switch t {
	case timeType:
		ts, ok := v.(time.Time)
		if !ok {
			return loadMismatch(v, t)
		}
		dst.Set(reflect.ValueOf(ts))
		return nil
	case dateType:
		switch d := v.(type) {
		case civil.Date:
			dst.Set(reflect.ValueOf(d))
		case time.Time:
			dst.Set(reflect.ValueOf(civil.DateOf(d)))
		default:
			return loadMismatch(v, t)
		}
		return nil
	case timeOfDayType:
		ct, ok := v.(civil.Time)
		if !ok {
			return loadMismatch(v, t)
		}
		dst.Set(reflect.ValueOf(ct))
		return nil
	case dateTimeType:
		switch dt := v.(type) {
		case civil.DateTime:
			dst.Set(reflect.ValueOf(dt))
		case time.Time:
			dst.Set(reflect.ValueOf(civil.DateTimeOf(dt)))
		default:
			return loadMismatch(v, t)
		}
		return nil
	case ratType:
		r, ok := v.(*big.Rat)
		if !ok {
			return loadMismatch(v, t)
		}
		dst.Addr().Interface().(*big.Rat).Set(r)
		return nil
	}

	switch t.Kind() {
	case reflect.Ptr:
		p := reflect.New(t.Elem())
		if err := loadField(v, p.Elem()); err != nil {
			return err
		}
		dst.Set(p)
	case reflect.Bool:
		b, ok := v.(bool)
		if !ok {
			return loadMismatch(v, t)
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, ok := v.(int64)
		if !ok {
			return loadMismatch(v, t)
		}
		if dst.OverflowInt(i) {
			return errors.Errorf("value %v overflows %v", i, t)
		}
		dst.SetInt(i)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		i, ok := v.(int64)
		if !ok {
			return loadMismatch(v, t)
		}
		if i < 0 || dst.OverflowUint(uint64(i)) {
			return errors.Errorf("value %v overflows %v", i, t)
		}
		dst.SetUint(uint64(i))
	case reflect.Float32, reflect.Float64:
		f, ok := v.(float64)
		if !ok {
			return loadMismatch(v, t)
		}
		dst.SetFloat(f)
	case reflect.String:
		s, ok := v.(string)
		if !ok {
			return loadMismatch(v, t)
		}
		dst.SetString(s)
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, ok := v.([]byte)
			if !ok {
				return loadMismatch(v, t)
			}
			dst.SetBytes(append([]byte{}, b...))
			return nil
		}
		items, ok := asSlice(v)
		if !ok {
			return loadMismatch(v, t)
		}
		out := reflect.MakeSlice(t, len(items), len(items))
		for i, item := range items {
			if err := loadField(item, out.Index(i)); err != nil {
				return errors.Wrapf(err, "index %d", i)
			}
		}
		dst.Set(out)
	case reflect.Array:
		items, ok := asSlice(v)
		if !ok || len(items) > dst.Len() {
			return loadMismatch(v, t)
		}
		for i, item := range items {
			if err := loadField(item, dst.Index(i)); err != nil {
				return errors.Wrapf(err, "index %d", i)
			}
		}
	case reflect.Struct:
		row, ok := asRow(v)
		if !ok {
			return loadMismatch(v, t)
		}
		return loadStruct(row, dst)
	case reflect.Interface:
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(t) {
			return loadMismatch(v, t)
		}
		dst.Set(rv)
	default:
		return loadMismatch(v, t)
	}
	return nil
}

func loadMismatch(v bigquery.Value, t reflect.Type) error {
	return errors.Errorf("cannot load %T into %v", v, t)
}
