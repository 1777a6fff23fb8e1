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
	"reflect"
	"sync"

	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

var codecs sync.Map // schema string -> *goavro.Codec

// Codec returns a codec for the schema. Codecs are cached by schema text and
// safe for concurrent use.
func Codec(schema string) (*goavro.Codec, error) {
	if c, ok := codecs.Load(schema); ok {
		return c.(*goavro.Codec), nil
	}
	c, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, errors.Wrap(err, "invalid avro schema")
	}
	actual, _ := codecs.LoadOrStore(schema, c)
	return actual.(*goavro.Codec), nil
}

// CodecFor returns the codec of the schema inferred for the struct type of v.
func CodecFor(v any, opts ...Option) (*goavro.Codec, error) {
	schema, err := InferSchema(reflect.TypeOf(v), opts...)
	if err != nil {
		return nil, err
	}
	return Codec(schema)
}
