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
	"reflect"

	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/connectors/pkg/beamio/util/avrox"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/pkg/errors"
)

var (
	_ beamio.IO = GenericIO{}
	_ beamio.IO = TypedIO{}
	_ beamio.IO = JSONIO{}
)

// GenericIO reads and writes GenericRecords. Path is a glob when reading and
// a file prefix when writing.
type GenericIO struct {
	Path         string
	Schema       string
	WriteOptions []WriteOption
}

func (g GenericIO) Name() string {
	return "avroio.Generic"
}

func (g GenericIO) TryRead(s beam.Scope) (beam.PCollection, error) {
	return TryRead(s, g.Path, genericRecordType)
}

func (g GenericIO) TryWrite(s beam.Scope, col beam.PCollection) (beamio.ClosedTap, error) {
	if g.Schema == "" {
		return nil, errors.Errorf("%v: a schema is required for writing %v", g.Name(), g.Path)
	}
	if err := checkElemType(g, col, genericRecordType); err != nil {
		return nil, err
	}
	return TryWrite(s, g.Path, g.Schema, col, g.WriteOptions...)
}

// TypedIO reads and writes structs of Type, with the schema inferred by
// avrox.InferSchema.
type TypedIO struct {
	Path         string
	Type         reflect.Type
	WriteOptions []WriteOption
}

func (t TypedIO) Name() string {
	return "avroio.Typed"
}

// Schema returns the schema inferred for Type.
func (t TypedIO) Schema() (string, error) {
	if t.Type == nil || t.Type.Kind() != reflect.Struct || t.Type == genericRecordType {
		return "", errors.Errorf("%v: type must be a struct: %v", t.Name(), t.Type)
	}
	return avrox.InferSchema(t.Type)
}

func (t TypedIO) TryRead(s beam.Scope) (beam.PCollection, error) {
	if _, err := t.Schema(); err != nil {
		return beam.PCollection{}, err
	}
	return TryRead(s, t.Path, t.Type)
}

func (t TypedIO) TryWrite(s beam.Scope, col beam.PCollection) (beamio.ClosedTap, error) {
	schema, err := t.Schema()
	if err != nil {
		return nil, err
	}
	if err := checkElemType(t, col, t.Type); err != nil {
		return nil, err
	}
	return TryWrite(s, t.Path, schema, col, t.WriteOptions...)
}

// JSONIO reads and writes records in their textual JSON encoding.
type JSONIO struct {
	Path         string
	Schema       string
	WriteOptions []WriteOption
}

func (j JSONIO) Name() string {
	return "avroio.JSON"
}

func (j JSONIO) TryRead(s beam.Scope) (beam.PCollection, error) {
	return TryRead(s, j.Path, reflect.TypeOf(""))
}

func (j JSONIO) TryWrite(s beam.Scope, col beam.PCollection) (beamio.ClosedTap, error) {
	if j.Schema == "" {
		return nil, errors.Errorf("%v: a schema is required for writing %v", j.Name(), j.Path)
	}
	if err := checkElemType(j, col, reflect.TypeOf("")); err != nil {
		return nil, err
	}
	return TryWrite(s, j.Path, j.Schema, col, j.WriteOptions...)
}

func checkElemType(io beamio.IO, col beam.PCollection, want reflect.Type) error {
	if got := col.Type().Type(); got != want {
		return errors.Errorf("%v: cannot write PCollection<%v>, want PCollection<%v>", io.Name(), got, want)
	}
	return nil
}
