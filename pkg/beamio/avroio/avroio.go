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

// Package avroio contains transforms for reading and writing avro files.
//
// Records are bound in one of three ways, chosen by the element type:
//
//   - string: the textual (JSON) Avro encoding of each record.
//   - GenericRecord: the goavro native form together with its schema.
//   - any struct: fields bound by name through package avrox.
package avroio

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"

	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/connectors/pkg/beamio/util/avrox"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/io/fileio"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/io/filesystem"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/log"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/register"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

func init() {
	register.DoFn3x1[context.Context, fileio.ReadableFile, func(beam.X), error]((*avroReadFn)(nil))
	register.DoFn4x1[context.Context, int, func(*beam.X) bool, func(*bool) bool, error]((*writeAvroFn)(nil))
	register.DoFn2x0[beam.X, func(int, beam.X)]((*roundRobinKeyFn)(nil))
	register.Emitter1[beam.X]()
	register.Emitter2[int, beam.X]()
	register.Iter1[beam.X]()
}

var (
	recordsRead    = beam.NewCounter("avroio", "records_read")
	recordsWritten = beam.NewCounter("avroio", "records_written")
)

type recordMode int

const (
	modeTextual recordMode = iota
	modeGeneric
	modeTyped
)

func modeOf(t reflect.Type) (recordMode, error) {
	switch {
	case t.Kind() == reflect.String:
		return modeTextual, nil
	case t == genericRecordType:
		return modeGeneric, nil
	case t.Kind() == reflect.Struct:
		return modeTyped, nil
	default:
		return 0, errors.Errorf("avro element type must be string, GenericRecord or a struct: %v", t)
	}
}

// decoder turns native records read from a file into elements of type t.
type decoder struct {
	mode recordMode
	t    reflect.Type
}

func newDecoder(t reflect.Type) (decoder, error) {
	mode, err := modeOf(t)
	if err != nil {
		return decoder{}, err
	}
	return decoder{mode: mode, t: t}, nil
}

func (d decoder) decode(codec *goavro.Codec, native any) (any, error) {
	switch d.mode {
	case modeTextual:
		b, err := codec.TextualFromNative(nil, native)
		if err != nil {
			return nil, err
		}
		return reflect.ValueOf(string(b)).Convert(d.t).Interface(), nil
	case modeGeneric:
		fields, ok := native.(map[string]any)
		if !ok {
			return nil, errors.Errorf("avro datum is not a record: %T", native)
		}
		return GenericRecord{Schema: codec.Schema(), Fields: fields}, nil
	default:
		fields, ok := native.(map[string]any)
		if !ok {
			return nil, errors.Errorf("avro datum is not a record: %T", native)
		}
		val := reflect.New(d.t)
		if err := avrox.FromNative(fields, val.Interface()); err != nil {
			return nil, err
		}
		return val.Elem().Interface(), nil
	}
}

// encoder turns elements into native records for a fixed schema.
type encoder struct {
	mode  recordMode
	codec *goavro.Codec
}

func (e encoder) encode(elm any) (any, error) {
	switch e.mode {
	case modeTextual:
		native, _, err := e.codec.NativeFromTextual([]byte(reflect.ValueOf(elm).String()))
		return native, err
	case modeGeneric:
		return elm.(GenericRecord).Fields, nil
	default:
		return avrox.ToNative(elm)
	}
}

// Read reads a set of files and returns the records as a PCollection<t>.
// t is string for the textual JSON encoding, GenericRecord, or a struct
// bound through package avrox. It panics on invalid arguments.
func Read(s beam.Scope, glob string, t reflect.Type) beam.PCollection {
	return beam.Must(TryRead(s, glob, t))
}

// TryRead is Read returning configuration errors.
func TryRead(s beam.Scope, glob string, t reflect.Type) (beam.PCollection, error) {
	s = s.Scope("avroio.Read")
	if err := beamio.ValidatePath(glob); err != nil {
		return beam.PCollection{}, err
	}
	if _, err := modeOf(t); err != nil {
		return beam.PCollection{}, err
	}
	if t.Kind() == reflect.Struct && t != genericRecordType {
		if _, err := avrox.InferSchema(t); err != nil {
			return beam.PCollection{}, errors.Wrapf(err, "avroio.Read of %v", t)
		}
	}
	return read(s, t, beam.Create(s, glob)), nil
}

// ReadAll reads the files matching each glob of a PCollection<string>.
func ReadAll(s beam.Scope, globs beam.PCollection, t reflect.Type) beam.PCollection {
	s = s.Scope("avroio.ReadAll")
	return read(s, t, globs)
}

func read(s beam.Scope, t reflect.Type, col beam.PCollection) beam.PCollection {
	matches := fileio.MatchAll(s, col, fileio.MatchEmptyAllow())
	files := fileio.ReadMatches(s, matches, fileio.ReadUncompressed())
	return beam.ParDo(s,
		&avroReadFn{Type: beam.EncodedType{T: t}},
		files,
		beam.TypeDefinition{Var: beam.XType, T: t},
	)
}

type avroReadFn struct {
	// Type is the element type.
	Type beam.EncodedType

	dec decoder
}

func (f *avroReadFn) Setup() error {
	dec, err := newDecoder(f.Type.T)
	if err != nil {
		return err
	}
	f.dec = dec
	return nil
}

func (f *avroReadFn) ProcessElement(ctx context.Context, file fileio.ReadableFile, emit func(beam.X)) (err error) {
	log.Infof(ctx, "Reading AVRO from %v", file.Metadata.Path)

	fd, err := file.Open(ctx)
	if err != nil {
		return
	}
	defer fd.Close()

	ar, err := goavro.NewOCFReader(fd)
	if err != nil {
		return errors.Wrapf(err, "reading avro container %v", file.Metadata.Path)
	}

	codec := ar.Codec()
	for ar.Scan() {
		native, err := ar.Read()
		if err != nil {
			return errors.Wrapf(err, "reading avro record from %v", file.Metadata.Path)
		}
		elm, err := f.dec.decode(codec, native)
		if err != nil {
			return errors.Wrapf(err, "decoding avro record from %v", file.Metadata.Path)
		}
		recordsRead.Inc(ctx, 1)
		emit(elm)
	}
	return ar.Err()
}

// Codec names an Avro container block compression.
type Codec string

// Block compressions supported by goavro.
const (
	CodecNull    Codec = goavro.CompressionNullLabel
	CodecDeflate Codec = goavro.CompressionDeflateLabel
	CodecSnappy  Codec = goavro.CompressionSnappyLabel
)

type WriteOption func(*writeConfig)

type writeConfig struct {
	suffix    string
	numShards int
	codec     Codec
	metadata  map[string][]byte
}

// WithSuffix sets the file suffix (default: ".avro")
func WithSuffix(suffix string) WriteOption {
	return func(c *writeConfig) {
		c.suffix = suffix
	}
}

// WithNumShards sets the number of output shards (default: 1)
func WithNumShards(numShards int) WriteOption {
	return func(c *writeConfig) {
		c.numShards = numShards
	}
}

// WithCodec sets the block compression (default: snappy)
func WithCodec(codec Codec) WriteOption {
	return func(c *writeConfig) {
		c.codec = codec
	}
}

// WithMetadata adds user metadata to the header of every file. Keys with the
// reserved "avro." prefix are rejected.
func WithMetadata(md map[string][]byte) WriteOption {
	return func(c *writeConfig) {
		if c.metadata == nil {
			c.metadata = make(map[string][]byte)
		}
		for k, v := range md {
			c.metadata[k] = v
		}
	}
}

func newWriteConfig(opts []WriteOption) (*writeConfig, error) {
	config := &writeConfig{
		suffix:    ".avro",
		numShards: 1,
		codec:     CodecSnappy,
	}
	for _, opt := range opts {
		opt(config)
	}

	// Default to single shard if not specified or 0
	if config.numShards <= 0 {
		config.numShards = 1
	}
	switch config.codec {
	case CodecNull, CodecDeflate, CodecSnappy:
	default:
		return nil, errors.Errorf("unsupported avro codec: %q", config.codec)
	}
	for k := range config.metadata {
		if len(k) >= 5 && k[:5] == "avro." {
			return nil, errors.Errorf("metadata key %q uses the reserved avro. prefix", k)
		}
	}
	return config, nil
}

// Write writes a PCollection to sharded AVRO files. Elements may be strings
// holding the JSON encoding of a record, GenericRecords, or structs. schema
// may be empty for structs, in which case it is inferred with avrox.
//
// Files are named as: <prefix>-<shard>-of-<numShards><suffix>
// Example: output-00000-of-00010.avro
//
// Examples:
//
//	Write(s, "gs://bucket/output", schema, col)                      // output-00000-of-00001.avro (defaults)
//	Write(s, "gs://bucket/output", schema, col, WithNumShards(10))   // output-00000-of-00010.avro (10 shards)
//	Write(s, "gs://bucket/output", "", users, WithCodec(CodecNull))  // schema inferred from the struct
//
// The returned ClosedTap reads the written files back once the pipeline has
// run.
func Write(s beam.Scope, prefix, schema string, col beam.PCollection, opts ...WriteOption) beamio.ClosedTap {
	ct, err := TryWrite(s, prefix, schema, col, opts...)
	if err != nil {
		panic(err)
	}
	return ct
}

// TryWrite is Write returning configuration errors.
func TryWrite(s beam.Scope, prefix, schema string, col beam.PCollection, opts ...WriteOption) (beamio.ClosedTap, error) {
	s = s.Scope("avroio.WriteSharded")
	if err := beamio.ValidatePath(prefix); err != nil {
		return nil, err
	}
	t := col.Type().Type()
	mode, err := modeOf(t)
	if err != nil {
		return nil, err
	}
	if schema == "" {
		if mode != modeTyped {
			return nil, errors.Errorf("avroio.Write of %v requires a schema", t)
		}
		if schema, err = avrox.InferSchema(t); err != nil {
			return nil, err
		}
	}
	if _, err := avrox.Codec(schema); err != nil {
		return nil, err
	}
	config, err := newWriteConfig(opts)
	if err != nil {
		return nil, err
	}

	keyed := beam.ParDo(s, &roundRobinKeyFn{NumShards: config.numShards}, col)

	grouped := beam.CoGroupByKey(s, keyed, beamio.ShardKeys(s, config.numShards))

	beam.ParDo0(s, &writeAvroFn{
		Prefix:    prefix,
		NumShards: config.numShards,
		Suffix:    config.suffix,
		Schema:    schema,
		Codec:     string(config.codec),
		Metadata:  config.metadata,
		Type:      beam.EncodedType{T: t},
	}, grouped)

	return newPending(shardGlob(prefix, config.suffix), t), nil
}

type roundRobinKeyFn struct {
	NumShards   int `json:"num_shards"`
	counter     int
	initialized bool
}

func (f *roundRobinKeyFn) StartBundle(emit func(int, beam.X)) {
	f.initialized = false
}

func (f *roundRobinKeyFn) ProcessElement(element beam.X, emit func(int, beam.X)) {
	if !f.initialized {
		f.counter = rand.Intn(f.NumShards)
		f.initialized = true
	}
	emit(f.counter, element)
	f.counter = (f.counter + 1) % f.NumShards
}

// formatShardName creates filename: prefix-SSSSS-of-NNNNN.suffix
func formatShardName(prefix, suffix string, shardNum, numShards int) string {
	width := max(len(fmt.Sprintf("%d", numShards-1)), 5)
	return fmt.Sprintf("%s-%0*d-of-%0*d%s", prefix, width, shardNum, width, numShards, suffix)
}

// shardGlob matches every shard written for prefix and suffix.
func shardGlob(prefix, suffix string) string {
	return prefix + "-*-of-*" + suffix
}

type writeAvroFn struct {
	Prefix    string            `json:"prefix"`
	Suffix    string            `json:"suffix"`
	NumShards int               `json:"num_shards"`
	Schema    string            `json:"schema"`
	Codec     string            `json:"codec"`
	Metadata  map[string][]byte `json:"metadata"`
	Type      beam.EncodedType  `json:"type"`

	enc encoder
}

func (w *writeAvroFn) Setup() error {
	mode, err := modeOf(w.Type.T)
	if err != nil {
		return err
	}
	codec, err := avrox.Codec(w.Schema)
	if err != nil {
		return err
	}
	w.enc = encoder{mode: mode, codec: codec}
	return nil
}

// ProcessElement writes one shard. Every shard key is present once, so empty
// shards still produce a file holding only the header.
func (w *writeAvroFn) ProcessElement(ctx context.Context, shardNum int, records func(*beam.X) bool, _ func(*bool) bool) (err error) {
	filename := formatShardName(w.Prefix, w.Suffix, shardNum, w.NumShards)
	log.Infof(ctx, "Writing AVRO shard %d/%d to %s", shardNum+1, w.NumShards, filename)

	fs, err := filesystem.New(ctx, filename)
	if err != nil {
		return
	}
	defer fs.Close()

	fd, err := fs.OpenWrite(ctx, filename)
	if err != nil {
		return
	}
	defer func() {
		if cerr := fd.Close(); err == nil {
			err = cerr
		}
	}()

	ocfw, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               fd,
		Codec:           w.enc.codec,
		CompressionName: w.Codec,
		MetaData:        w.Metadata,
	})
	if err != nil {
		return errors.Wrap(err, "creating avro writer")
	}

	var elm beam.X
	var block []any
	for records(&elm) {
		native, err := w.enc.encode(elm)
		if err != nil {
			return errors.Wrapf(err, "encoding avro record for %v", filename)
		}
		block = append(block, native)
		if len(block) == blockSize {
			if err := ocfw.Append(block); err != nil {
				return errors.Wrapf(err, "writing avro block to %v", filename)
			}
			recordsWritten.Inc(ctx, int64(len(block)))
			block = block[:0]
		}
	}
	if len(block) > 0 {
		if err := ocfw.Append(block); err != nil {
			return errors.Wrapf(err, "writing avro block to %v", filename)
		}
		recordsWritten.Inc(ctx, int64(len(block)))
	}
	return nil
}

// blockSize is the number of records per container block.
const blockSize = 1000
