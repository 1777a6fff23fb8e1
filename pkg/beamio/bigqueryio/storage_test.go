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
	"math/big"
	"reflect"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	retry "github.com/avast/retry-go/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sessionSchema is shaped like the Avro schemas of Storage Read API sessions:
// nullable columns are unions with null and nested records are named after
// their column.
const sessionSchema = `{
  "type": "record",
  "name": "root",
  "fields": [
    {"name": "name", "type": ["null", "string"]},
    {"name": "age", "type": ["null", "long"]},
    {"name": "birthday", "type": ["null", {"type": "int", "logicalType": "date"}]},
    {"name": "alarm", "type": ["null", {"type": "long", "logicalType": "time-micros"}]},
    {"name": "seen", "type": ["null", {"type": "string", "logicalType": "datetime"}]},
    {"name": "balance", "type": ["null", {"type": "bytes", "logicalType": "decimal", "precision": 38, "scale": 9}]},
    {"name": "tags", "type": {"type": "array", "items": "string"}},
    {"name": "address", "type": ["null", {"type": "record", "name": "root_address", "fields": [
      {"name": "city", "type": ["null", "string"]}
    ]}]}
  ]
}`

type storageAddress struct {
	City string `bigquery:"city"`
}

type storageUser struct {
	Name     string             `bigquery:"name"`
	Age      bigquery.NullInt64 `bigquery:"age"`
	Birthday civil.Date         `bigquery:"birthday"`
	Alarm    civil.Time         `bigquery:"alarm"`
	Seen     civil.DateTime     `bigquery:"seen"`
	Balance  *big.Rat           `bigquery:"balance"`
	Tags     []string           `bigquery:"tags"`
	Address  storageAddress     `bigquery:"address"`
}

var ratPtrComparer = cmp.Comparer(func(a, b *big.Rat) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
})

// sessionRows encodes a full and an all-null row as one AvroRows block.
func sessionRows(t *testing.T) []byte {
	t.Helper()
	codec, err := goavro.NewCodec(sessionSchema)
	if err != nil {
		t.Fatalf("invalid session schema: %v", err)
	}
	rows := []map[string]any{
		{
			"name":     goavro.Union("string", "ada"),
			"age":      goavro.Union("long", int64(36)),
			"birthday": goavro.Union("int.date", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
			"alarm":    goavro.Union("long.time-micros", 7*time.Hour+30*time.Minute),
			"seen":     goavro.Union("string", "2024-03-01T12:30:00"),
			"balance":  goavro.Union("bytes.decimal", big.NewRat(5, 4)),
			"tags":     []any{"math"},
			"address":  goavro.Union("root_address", map[string]any{"city": goavro.Union("string", "London")}),
		},
		{
			"name": nil, "age": nil, "birthday": nil, "alarm": nil, "seen": nil,
			"balance": nil, "tags": []any{}, "address": nil,
		},
	}
	var buf []byte
	for _, row := range rows {
		if buf, err = codec.BinaryFromNative(buf, row); err != nil {
			t.Fatalf("BinaryFromNative failed: %v", err)
		}
	}
	return buf
}

// decodeAll decodes a block of session rows into elements of type typ.
func decodeAll(t *testing.T, typ reflect.Type, data []byte) []any {
	t.Helper()
	f := &readStreamFn{Type: beam.EncodedType{T: typ}}
	if err := f.bind(sessionSchema); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	var got []any
	err := decodeRows(f.codec, data, func(native map[string]any) error {
		v, err := f.decode(native)
		if err != nil {
			return err
		}
		got = append(got, v)
		return nil
	})
	if err != nil {
		t.Fatalf("decodeRows failed: %v", err)
	}
	return got
}

func TestReadStreamFn_DecodeTableRow(t *testing.T) {
	got := decodeAll(t, tableRowType, sessionRows(t))
	want := []any{
		TableRow{
			"name":     "ada",
			"age":      int64(36),
			"birthday": civil.Date{Year: 2024, Month: 3, Day: 1},
			"alarm":    civil.Time{Hour: 7, Minute: 30},
			"seen":     civil.DateTime{Date: civil.Date{Year: 2024, Month: 3, Day: 1}, Time: civil.Time{Hour: 12, Minute: 30}},
			"balance":  big.NewRat(5, 4),
			"tags":     []bigquery.Value{"math"},
			"address":  TableRow{"city": "London"},
		},
		TableRow{
			"name": nil, "age": nil, "birthday": nil, "alarm": nil, "seen": nil,
			"balance": nil, "tags": []bigquery.Value{}, "address": nil,
		},
	}
	if diff := cmp.Diff(want, got, ratPtrComparer); diff != "" {
		t.Errorf("decoded rows mismatch (-want +got):\n%v", diff)
	}
}

func TestReadStreamFn_DecodeStruct(t *testing.T) {
	got := decodeAll(t, reflect.TypeOf(storageUser{}), sessionRows(t))
	want := []any{
		storageUser{
			Name:     "ada",
			Age:      bigquery.NullInt64{Int64: 36, Valid: true},
			Birthday: civil.Date{Year: 2024, Month: 3, Day: 1},
			Alarm:    civil.Time{Hour: 7, Minute: 30},
			Seen:     civil.DateTime{Date: civil.Date{Year: 2024, Month: 3, Day: 1}, Time: civil.Time{Hour: 12, Minute: 30}},
			Balance:  big.NewRat(5, 4),
			Tags:     []string{"math"},
			Address:  storageAddress{City: "London"},
		},
		storageUser{Tags: []string{}},
	}
	if diff := cmp.Diff(want, got, ratPtrComparer); diff != "" {
		t.Errorf("decoded structs mismatch (-want +got):\n%v", diff)
	}
}

func TestReadStreamFn_DecodeMismatch(t *testing.T) {
	type wrongUser struct {
		Name     int64  `bigquery:"name"`
		Birthday string `bigquery:"birthday"`
	}
	f := &readStreamFn{Type: beam.EncodedType{T: reflect.TypeOf(wrongUser{})}}
	if err := f.bind(sessionSchema); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	err := decodeRows(f.codec, sessionRows(t), func(native map[string]any) error {
		_, err := f.decode(native)
		return err
	})
	if err == nil {
		t.Errorf("decoding a string column into int64 succeeded, want error")
	}
}

func TestDecodeRows_Corrupt(t *testing.T) {
	codec, err := goavro.NewCodec(sessionSchema)
	if err != nil {
		t.Fatal(err)
	}
	data := sessionRows(t)
	err = decodeRows(codec, data[:len(data)-3], func(map[string]any) error { return nil })
	if err == nil {
		t.Fatalf("decodeRows of a truncated block succeeded, want error")
	}
	if retry.IsRecoverable(err) {
		t.Errorf("decodeRows error %v is recoverable, want unrecoverable", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{status.Error(codes.Unavailable, "server closed the stream"), true},
		{status.Error(codes.ResourceExhausted, "quota"), true},
		{errors.Wrap(status.Error(codes.Unavailable, "reset"), "reading"), true},
		{status.Error(codes.PermissionDenied, "denied"), false},
		{status.Error(codes.NotFound, "no stream"), false},
		{errors.New("decoding avro rows"), false},
		{retry.Unrecoverable(errors.New("bad row")), false},
	}
	for _, test := range tests {
		if got := isTransient(test.err); got != test.want {
			t.Errorf("isTransient(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}

// fakeStream serves the rows of a session block, failing after a number of
// rows on the first read.
type fakeStream struct {
	rows    [][]byte
	failAt  int
	failErr error
	offsets []int64
}

func (s *fakeStream) read(_ context.Context, _ string, offset int64, fn func([]byte) error) error {
	s.offsets = append(s.offsets, offset)
	for i := int(offset); i < len(s.rows); i++ {
		if len(s.offsets) == 1 && i == s.failAt {
			return s.failErr
		}
		if err := fn(s.rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// splitRows splits a block into one block per row.
func splitRows(t *testing.T, data []byte) [][]byte {
	t.Helper()
	codec, err := goavro.NewCodec(sessionSchema)
	if err != nil {
		t.Fatal(err)
	}
	var ret [][]byte
	for len(data) > 0 {
		_, rest, err := codec.NativeFromBinary(data)
		if err != nil {
			t.Fatal(err)
		}
		ret = append(ret, data[:len(data)-len(rest)])
		data = rest
	}
	return ret
}

func TestReadStreamFn_Resume(t *testing.T) {
	defer func(d time.Duration) { readStreamDelay = d }(readStreamDelay)
	readStreamDelay = time.Millisecond

	tests := []struct {
		name        string
		failErr     error
		wantErr     bool
		wantOffsets []int64
		wantRows    int
	}{
		{"transient", status.Error(codes.Unavailable, "reset"), false, []int64{0, 1}, 2},
		{"permanent", status.Error(codes.PermissionDenied, "denied"), true, []int64{0}, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			stream := &fakeStream{rows: splitRows(t, sessionRows(t)), failAt: 1, failErr: test.failErr}
			f := &readStreamFn{Type: beam.EncodedType{T: tableRowType}, read: stream.read}

			var got []beam.X
			err := f.ProcessElement(context.Background(), streamSpec{Stream: "s0", Schema: sessionSchema}, func(v beam.X) {
				got = append(got, v)
			})
			if (err != nil) != test.wantErr {
				t.Fatalf("ProcessElement() = %v, want error %v", err, test.wantErr)
			}
			if diff := cmp.Diff(test.wantOffsets, stream.offsets); diff != "" {
				t.Errorf("read offsets mismatch (-want +got):\n%v", diff)
			}
			if len(got) != test.wantRows {
				t.Errorf("emitted %d rows, want %d", len(got), test.wantRows)
			}
		})
	}
}

func TestReadStreamFn_AttemptsExhausted(t *testing.T) {
	defer func(d time.Duration) { readStreamDelay = d }(readStreamDelay)
	readStreamDelay = time.Millisecond

	calls := 0
	f := &readStreamFn{
		Type: beam.EncodedType{T: tableRowType},
		read: func(context.Context, string, int64, func([]byte) error) error {
			calls++
			return status.Error(codes.Unavailable, "down")
		},
	}
	err := f.ProcessElement(context.Background(), streamSpec{Stream: "s0", Schema: sessionSchema}, func(beam.X) {})
	if status.Code(err) != codes.Unavailable {
		t.Errorf("ProcessElement() = %v, want the last Unavailable error", err)
	}
	if calls != readStreamAttempts {
		t.Errorf("stream opened %d times, want %d", calls, readStreamAttempts)
	}
}
