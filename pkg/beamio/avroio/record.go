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

package avroio

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"sync"

	"github.com/apache/beam/connectors/pkg/beamio/util/avrox"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

var genericRecordType = reflect.TypeOf((*GenericRecord)(nil)).Elem()

func init() {
	beam.RegisterType(genericRecordType)
	beam.RegisterCoder(genericRecordType, encodeGenericRecord, decodeGenericRecord)
}

// GenericRecord is an Avro record without a Go type binding. Fields holds
// the goavro native form of the record described by Schema.
type GenericRecord struct {
	Schema string
	Fields map[string]any
}

// NewGenericRecord validates fields against schema and returns the record.
func NewGenericRecord(schema string, fields map[string]any) (GenericRecord, error) {
	codec, err := avrox.Codec(schema)
	if err != nil {
		return GenericRecord{}, err
	}
	if _, err := codec.BinaryFromNative(nil, fields); err != nil {
		return GenericRecord{}, errors.Wrap(err, "record does not match schema")
	}
	return GenericRecord{Schema: schema, Fields: fields}, nil
}

// Get returns the named field. Values of fields declared as unions are
// returned without their branch name.
func (r GenericRecord) Get(name string) any {
	v := r.Fields[name]
	unions, err := unionFields(r.Schema)
	if err != nil || !unions[name] {
		return v
	}
	if m, ok := v.(map[string]any); ok && len(m) == 1 {
		for _, inner := range m {
			return inner
		}
	}
	return v
}

// unionFieldsCache maps a schema to the result of parseUnionFields.
var unionFieldsCache sync.Map

// unionFields reports, by name, which top level fields of the record schema
// are declared as unions.
func unionFields(schema string) (map[string]bool, error) {
	if v, ok := unionFieldsCache.Load(schema); ok {
		return v.(map[string]bool), nil
	}
	ret, err := parseUnionFields(schema)
	if err != nil {
		return nil, err
	}
	unionFieldsCache.Store(schema, ret)
	return ret, nil
}

func parseUnionFields(schema string) (map[string]bool, error) {
	var record struct {
		Fields []struct {
			Name string          `json:"name"`
			Type json.RawMessage `json:"type"`
		} `json:"fields"`
	}
	if err := json.Unmarshal([]byte(schema), &record); err != nil {
		return nil, errors.Wrap(err, "parsing avro schema")
	}
	ret := make(map[string]bool, len(record.Fields))
	for _, f := range record.Fields {
		t := bytes.TrimSpace(f.Type)
		ret[f.Name] = len(t) > 0 && t[0] == '['
	}
	return ret, nil
}

// Codec returns the codec of the record schema.
func (r GenericRecord) Codec() (*goavro.Codec, error) {
	return avrox.Codec(r.Schema)
}

// Bind populates the struct pointed to by ptr from the record.
func (r GenericRecord) Bind(ptr any, opts ...avrox.Option) error {
	return avrox.FromNative(r.Fields, ptr, opts...)
}

// encodeGenericRecord writes the schema, length prefixed, followed by the
// Avro binary encoding of the fields.
func encodeGenericRecord(r GenericRecord) ([]byte, error) {
	codec, err := r.Codec()
	if err != nil {
		return nil, err
	}
	buf := binary.AppendUvarint(nil, uint64(len(r.Schema)))
	buf = append(buf, r.Schema...)
	return codec.BinaryFromNative(buf, r.Fields)
}

func decodeGenericRecord(data []byte) (GenericRecord, error) {
	n, size := binary.Uvarint(data)
	if size <= 0 || uint64(len(data)-size) < n {
		return GenericRecord{}, errors.New("corrupt generic record encoding")
	}
	schema := string(data[size : size+int(n)])
	codec, err := avrox.Codec(schema)
	if err != nil {
		return GenericRecord{}, err
	}
	native, rest, err := codec.NativeFromBinary(data[size+int(n):])
	if err != nil {
		return GenericRecord{}, errors.Wrap(err, "decoding generic record")
	}
	if len(rest) != 0 {
		return GenericRecord{}, errors.Errorf("generic record has %d trailing bytes", len(rest))
	}
	fields, ok := native.(map[string]any)
	if !ok {
		return GenericRecord{}, errors.Errorf("schema does not describe a record: %T", native)
	}
	return GenericRecord{Schema: schema, Fields: fields}, nil
}
