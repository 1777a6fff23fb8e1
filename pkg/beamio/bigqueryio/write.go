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
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/core/util/reflectx"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/io/filesystem"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/log"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/register"
	"github.com/google/uuid"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
	bq "google.golang.org/api/bigquery/v2"
)

// writeRowLimit is the maximum number of rows allowed by BQ in a write.
const writeRowLimit = 10000

// writeSizeLimit is the maximum number of bytes allowed in BQ write.
const writeSizeLimit = 10485760

// Estimate for overall message overhead.for a write message in bytes.
const writeOverheadBytes = 1024

// loadShards is the number of temporary files written per file load.
const loadShards = 10

func init() {
	register.DoFn3x1[context.Context, []byte, func(*beam.X) bool, error]((*writeFn)(nil))
	register.DoFn5x1[context.Context, int, func(*beam.X) bool, func(*bool) bool, func(string), error]((*writeTempFn)(nil))
	register.DoFn3x1[context.Context, []byte, func(*string) bool, error]((*loadFn)(nil))
	register.DoFn2x0[beam.X, func(int, beam.X)]((*shardFn)(nil))
	register.Emitter1[string]()
	register.Emitter2[int, beam.X]()
	register.Iter1[beam.X]()
	register.Iter1[string]()
}

var rowsWritten = beam.NewCounter("bigqueryio", "rows_written")

// newClient creates the clients used by the write DoFns.
var newClient = bigquery.NewClient

// WriteMethod selects how rows reach the table.
type WriteMethod string

const (
	// StreamingInserts writes rows with the tabledata.insertAll API.
	StreamingInserts WriteMethod = "STREAMING_INSERTS"
	// FileLoads stages rows as Avro files and loads them with a load job.
	FileLoads WriteMethod = "FILE_LOADS"
)

// writeOptions is serialized into the write DoFns.
type writeOptions struct {
	Schema            string                          `json:"schema,omitempty"`
	CreateDisposition bigquery.TableCreateDisposition `json:"create_disposition"`
	WriteDisposition  bigquery.TableWriteDisposition  `json:"write_disposition"`
	Description       string                          `json:"description,omitempty"`
	TimePartitioning  *bigquery.TimePartitioning      `json:"time_partitioning,omitempty"`
	Method            WriteMethod                     `json:"method"`
	TempLocation      string                          `json:"temp_location,omitempty"`
}

// WriteOption configures Write.
type WriteOption func(*writeOptions) error

// WithSchema sets the table schema. It is required to create tables from
// TableRows and overrides the schema inferred from struct elements.
func WithSchema(schema bigquery.Schema) WriteOption {
	return func(o *writeOptions) error {
		if len(schema) == 0 {
			return errors.New("empty table schema")
		}
		b, err := schema.ToJSONFields()
		if err != nil {
			return errors.Wrap(err, "invalid table schema")
		}
		o.Schema = string(b)
		return nil
	}
}

// WithCreateDisposition sets whether a missing table is created. The default
// is bigquery.CreateIfNeeded.
func WithCreateDisposition(d bigquery.TableCreateDisposition) WriteOption {
	return func(o *writeOptions) error {
		switch d {
		case bigquery.CreateIfNeeded, bigquery.CreateNever:
			o.CreateDisposition = d
			return nil
		}
		return errors.Errorf("unsupported create disposition: %q", d)
	}
}

// WithWriteDisposition sets how existing rows are treated. The default is
// bigquery.WriteAppend.
func WithWriteDisposition(d bigquery.TableWriteDisposition) WriteOption {
	return func(o *writeOptions) error {
		switch d {
		case bigquery.WriteAppend, bigquery.WriteTruncate, bigquery.WriteEmpty:
			o.WriteDisposition = d
			return nil
		}
		return errors.Errorf("unsupported write disposition: %q", d)
	}
}

// WithDescription sets the description of a created table.
func WithDescription(description string) WriteOption {
	return func(o *writeOptions) error {
		o.Description = description
		return nil
	}
}

// WithTimePartitioning partitions a created table by day on the given
// column, or on ingestion time if field is empty.
func WithTimePartitioning(field string, expiration time.Duration) WriteOption {
	return func(o *writeOptions) error {
		if expiration < 0 {
			return errors.Errorf("negative partition expiration: %v", expiration)
		}
		o.TimePartitioning = &bigquery.TimePartitioning{
			Type:       bigquery.DayPartitioningType,
			Field:      field,
			Expiration: expiration,
		}
		return nil
	}
}

// WithMethod selects the write method. The default is StreamingInserts.
func WithMethod(m WriteMethod) WriteOption {
	return func(o *writeOptions) error {
		switch m {
		case StreamingInserts, FileLoads:
			o.Method = m
			return nil
		}
		return errors.Errorf("unsupported write method: %q", m)
	}
}

// WithTempLocation sets the gs:// directory file loads stage their files in.
func WithTempLocation(dir string) WriteOption {
	return func(o *writeOptions) error {
		o.TempLocation = strings.TrimSuffix(dir, "/")
		return nil
	}
}

func newWriteOptions(opts []WriteOption) (writeOptions, error) {
	o := writeOptions{
		CreateDisposition: bigquery.CreateIfNeeded,
		WriteDisposition:  bigquery.WriteAppend,
		Method:            StreamingInserts,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return writeOptions{}, err
		}
	}
	switch o.Method {
	case StreamingInserts:
		if o.WriteDisposition == bigquery.WriteTruncate {
			return writeOptions{}, errors.New("streaming inserts cannot truncate a table; use FileLoads")
		}
	case FileLoads:
		if !strings.HasPrefix(o.TempLocation, "gs://") {
			return writeOptions{}, errors.Errorf("file loads require a gs:// temp location, got %q", o.TempLocation)
		}
	}
	return o, nil
}

func (o writeOptions) schema(t reflect.Type) (bigquery.Schema, error) {
	if o.Schema != "" {
		return bigquery.SchemaFromJSON([]byte(o.Schema))
	}
	return inferSchema(t)
}

// Write writes the elements of the given PCollection<T> to bigquery. T is
// required to be the schema type or TableRow, in which case WithSchema must be
// given. The returned ClosedTap reads the table once the pipeline has run.
func Write(s beam.Scope, project, table string, col beam.PCollection, opts ...WriteOption) beamio.ClosedTap {
	ct, err := TryWrite(s, project, table, col, opts...)
	if err != nil {
		panic(err)
	}
	return ct
}

// TryWrite is Write returning configuration errors.
func TryWrite(s beam.Scope, project, table string, col beam.PCollection, opts ...WriteOption) (beamio.ClosedTap, error) {
	t := col.Type().Type()
	qn, err := NewQualifiedTableName(table)
	if err != nil {
		return nil, err
	}
	o, err := newWriteOptions(opts)
	if err != nil {
		return nil, err
	}
	if t == tableRowType {
		if o.Schema == "" {
			return nil, errors.Errorf("bigquery.Write of TableRow to %v requires a schema", qn)
		}
	} else if _, err := inferSchema(t); err != nil {
		return nil, err
	}

	s = s.Scope("bigquery.Write")

	switch o.Method {
	case FileLoads:
		writeFileLoads(s, project, qn, t, o, col)
	default:
		// writeFn runs once with every row as a side input, also for an
		// empty input.
		beam.ParDo0(s, &writeFn{Project: project, Table: qn, Type: beam.EncodedType{T: t}, Options: o}, beam.Impulse(s), beam.SideInput{Input: col})
	}
	return newTablePending(project, qn, t), nil
}

// ensureTable applies the create and write dispositions to the destination
// table before rows are streamed into it.
func ensureTable(ctx context.Context, client *bigquery.Client, qn QualifiedTableName, schema bigquery.Schema, o writeOptions) (*bigquery.Table, error) {
	dataset := client.DatasetInProject(qn.Project, qn.Dataset)
	if _, err := dataset.Metadata(ctx); err != nil {
		return nil, errors.Wrapf(err, "dataset %v.%v", qn.Project, qn.Dataset)
	}

	table := dataset.Table(qn.Table)
	md, err := table.Metadata(ctx)
	switch {
	case err == nil:
		if o.WriteDisposition == bigquery.WriteEmpty && (md.NumRows > 0 || md.StreamingBuffer != nil) {
			return nil, errors.Errorf("table %v is not empty", qn)
		}
		return table, nil
	case !isNotFound(err):
		return nil, err
	case o.CreateDisposition == bigquery.CreateNever:
		return nil, errors.Errorf("table %v does not exist and the create disposition is %v", qn, o.CreateDisposition)
	}

	log.Infof(ctx, "Creating table %v", qn)
	if err := table.Create(ctx, &bigquery.TableMetadata{
		Schema:           schema,
		Description:      o.Description,
		TimePartitioning: o.TimePartitioning,
	}); err != nil {
		return nil, errors.Wrapf(err, "creating table %v", qn)
	}
	return table, nil
}

type writeFn struct {
	// Project is the project
	Project string `json:"project"`
	// Table is the qualified table identifier.
	Table QualifiedTableName `json:"table"`
	// Type is the encoded schema type.
	Type beam.EncodedType `json:"type"`
	// Options holds the table and disposition settings.
	Options writeOptions `json:"options"`
}

// Approximate the size of an element as it would appear in a BQ insert request.
func getInsertSize(v any, schema bigquery.Schema) (int, error) {
	var saver bigquery.ValueSaver
	if row, ok := v.(TableRow); ok {
		saver = row
	} else {
		saver = &bigquery.StructSaver{
			InsertID: strings.Repeat("0", 27),
			Struct:   v,
			Schema:   schema,
		}
	}
	row, id, err := saver.Save()
	if err != nil {
		return 0, err
	}
	m := make(map[string]bq.JsonValue)
	for k, v := range row {
		m[k] = bq.JsonValue(v)
	}
	req := bq.TableDataInsertAllRequestRows{
		InsertId: id,
		Json:     m,
	}
	data, err := req.MarshalJSON()
	if err != nil {
		return 0, err
	}
	// Add 1 for comma separator between elements.
	return len(data) + 1, err
}

func (f *writeFn) ProcessElement(ctx context.Context, _ []byte, iter func(*beam.X) bool) error {
	client, err := newClient(ctx, f.Project)
	if err != nil {
		return err
	}
	defer client.Close()

	schema, err := f.Options.schema(f.Type.T)
	if err != nil {
		return err
	}
	table, err := ensureTable(ctx, client, f.Table, schema, f.Options)
	if err != nil {
		return err
	}

	var data []reflect.Value
	// This stores the running byte size estimate of a BQ request.
	size := writeOverheadBytes

	var val beam.X
	for iter(&val) {
		current, err := getInsertSize(val, schema)
		if err != nil {
			return errors.Wrapf(err, "bigquery write error")
		}
		if len(data)+1 > writeRowLimit || size+current > writeSizeLimit {
			// Write rows in batches to comply with BQ limits.
			if err := put(ctx, table, f.Type.T, data); err != nil {
				return errors.Wrapf(err, "bigquery write error [len=%d, size=%d]", len(data), size)
			}
			rowsWritten.Inc(ctx, int64(len(data)))
			data = nil
			size = writeOverheadBytes
		}
		data = append(data, reflect.ValueOf(val))
		size += current
	}
	if len(data) == 0 {
		return nil
	}
	if err := put(ctx, table, f.Type.T, data); err != nil {
		return errors.Wrapf(err, "bigquery write error [len=%d, size=%d]", len(data), size)
	}
	rowsWritten.Inc(ctx, int64(len(data)))
	return nil
}

func put(ctx context.Context, table *bigquery.Table, t reflect.Type, data []reflect.Value) error {
	// list : []T to allow Put to infer the schema
	list := reflectx.MakeSlice(t, data...).Interface()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	return table.Inserter().Put(ctx, list)
}

// writeFileLoads stages the rows as Avro files under a unique directory of
// the temp location and loads them with a single load job. Every shard is
// staged, so an empty input loads header-only files and the load job still
// applies the dispositions.
func writeFileLoads(s beam.Scope, project string, qn QualifiedTableName, t reflect.Type, o writeOptions, col beam.PCollection) {
	dir := fmt.Sprintf("%v/beamio-bq-%v", o.TempLocation, uuid.NewString())

	keyed := beam.ParDo(s, &shardFn{NumShards: loadShards}, col)
	grouped := beam.CoGroupByKey(s, keyed, beamio.ShardKeys(s, loadShards))
	files := beam.ParDo(s, &writeTempFn{Dir: dir, Table: qn, Type: beam.EncodedType{T: t}, Options: o}, grouped)

	beam.ParDo0(s, &loadFn{Project: project, Table: qn, Type: beam.EncodedType{T: t}, Options: o}, beam.Impulse(s), beam.SideInput{Input: files})
}

type shardFn struct {
	NumShards int `json:"num_shards"`
	next      int
}

func (f *shardFn) ProcessElement(elm beam.X, emit func(int, beam.X)) {
	if f.next == 0 {
		f.next = rand.Intn(f.NumShards) + 1
	}
	emit(f.next%f.NumShards, elm)
	f.next++
}

// avroName returns the record name used for the staged Avro files.
func avroName(qn QualifiedTableName) string {
	var sb strings.Builder
	for i, r := range qn.Table {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			sb.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// rowOf converts an element into a TableRow under schema.
func rowOf(v any, schema bigquery.Schema) (TableRow, error) {
	if row, ok := v.(TableRow); ok {
		return row, nil
	}
	saver := &bigquery.StructSaver{Struct: v, Schema: schema}
	row, _, err := saver.Save()
	if err != nil {
		return nil, err
	}
	return TableRow(row), nil
}

type writeTempFn struct {
	Dir     string             `json:"dir"`
	Table   QualifiedTableName `json:"table"`
	Type    beam.EncodedType   `json:"type"`
	Options writeOptions       `json:"options"`

	schema bigquery.Schema
	codec  *goavro.Codec
}

func (f *writeTempFn) Setup() error {
	schema, err := f.Options.schema(f.Type.T)
	if err != nil {
		return err
	}
	avroSchema, err := ToAvroSchema(schema, avroName(f.Table))
	if err != nil {
		return err
	}
	codec, err := goavro.NewCodec(avroSchema)
	if err != nil {
		return errors.Wrap(err, "invalid avro schema for load")
	}
	f.schema, f.codec = schema, codec
	return nil
}

func (f *writeTempFn) ProcessElement(ctx context.Context, shard int, iter func(*beam.X) bool, _ func(*bool) bool, emit func(string)) (err error) {
	filename := fmt.Sprintf("%v/%05d.avro", f.Dir, shard)

	fs, err := filesystem.New(ctx, filename)
	if err != nil {
		return err
	}
	defer fs.Close()

	fd, err := fs.OpenWrite(ctx, filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := fd.Close(); err == nil {
			err = cerr
		}
	}()

	ocfw, err := goavro.NewOCFWriter(goavro.OCFConfig{W: fd, Codec: f.codec, CompressionName: goavro.CompressionSnappyLabel})
	if err != nil {
		return errors.Wrap(err, "creating avro writer")
	}

	var val beam.X
	var block []any
	for iter(&val) {
		row, err := rowOf(val, f.schema)
		if err != nil {
			return err
		}
		native, err := RowToNative(row, f.schema, avroName(f.Table))
		if err != nil {
			return errors.Wrapf(err, "staging row for %v", f.Table)
		}
		block = append(block, native)
		if len(block) == writeRowLimit {
			if err := ocfw.Append(block); err != nil {
				return errors.Wrapf(err, "writing %v", filename)
			}
			block = block[:0]
		}
	}
	if len(block) > 0 {
		if err := ocfw.Append(block); err != nil {
			return errors.Wrapf(err, "writing %v", filename)
		}
	}
	emit(filename)
	return nil
}

type loadFn struct {
	Project string             `json:"project"`
	Table   QualifiedTableName `json:"table"`
	Type    beam.EncodedType   `json:"type"`
	Options writeOptions       `json:"options"`
}

// remover is implemented by filesystems that can delete files.
type remover interface {
	Remove(ctx context.Context, filename string) error
}

func (f *loadFn) ProcessElement(ctx context.Context, _ []byte, iter func(*string) bool) error {
	var files []string
	var filename string
	for iter(&filename) {
		files = append(files, filename)
	}
	if len(files) == 0 {
		return errors.Errorf("no staged files to load into %v", f.Table)
	}
	defer cleanup(ctx, files)

	schema, err := f.Options.schema(f.Type.T)
	if err != nil {
		return err
	}

	client, err := newClient(ctx, f.Project)
	if err != nil {
		return err
	}
	defer client.Close()

	ref := bigquery.NewGCSReference(files...)
	ref.SourceFormat = bigquery.Avro
	// Avro files carry no column modes or descriptions.
	ref.Schema = schema

	loader := client.DatasetInProject(f.Table.Project, f.Table.Dataset).Table(f.Table.Table).LoaderFrom(ref)
	loader.CreateDisposition = f.Options.CreateDisposition
	loader.WriteDisposition = f.Options.WriteDisposition
	loader.TimePartitioning = f.Options.TimePartitioning
	loader.UseAvroLogicalTypes = true

	log.Infof(ctx, "Loading %d files into %v", len(files), f.Table)
	job, err := loader.Run(ctx)
	if err != nil {
		return errors.Wrapf(err, "starting load into %v", f.Table)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return errors.Wrapf(err, "waiting for load job %v", job.ID())
	}
	if err := status.Err(); err != nil {
		return errors.Wrapf(err, "load job %v failed", job.ID())
	}
	if status.Statistics != nil {
		if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
			rowsWritten.Inc(ctx, stats.OutputRows)
		}
	}
	if f.Options.Description != "" {
		table := client.DatasetInProject(f.Table.Project, f.Table.Dataset).Table(f.Table.Table)
		if _, err := table.Update(ctx, bigquery.TableMetadataToUpdate{Description: f.Options.Description}, ""); err != nil {
			return errors.Wrapf(err, "setting description of %v", f.Table)
		}
	}
	return nil
}

// cleanup removes staged files on a best effort basis.
func cleanup(ctx context.Context, files []string) {
	for _, filename := range files {
		fs, err := filesystem.New(ctx, filename)
		if err != nil {
			log.Warnf(ctx, "Leaving staged file %v: %v", filename, err)
			continue
		}
		if r, ok := fs.(remover); ok {
			if err := r.Remove(ctx, filename); err != nil {
				log.Warnf(ctx, "Leaving staged file %v: %v", filename, err)
			}
		}
		fs.Close()
	}
}
