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
	"io"
	"reflect"
	"strings"
	"time"

	bqstorage "cloud.google.com/go/bigquery/storage/apiv1"
	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"github.com/apache/beam/connectors/pkg/beamio/util/avrox"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/log"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/register"
	retry "github.com/avast/retry-go/v4"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func init() {
	beam.RegisterType(reflect.TypeOf((*streamSpec)(nil)).Elem())
	register.DoFn3x1[context.Context, []byte, func(streamSpec), error]((*createSessionFn)(nil))
	register.DoFn3x1[context.Context, streamSpec, func(beam.X), error]((*readStreamFn)(nil))
	register.Emitter1[streamSpec]()
}

// readStreamAttempts bounds the number of times a stream is reopened after
// transient failures.
const readStreamAttempts = 5

// readStreamDelay is the initial backoff before a stream is reopened.
var readStreamDelay = time.Second

// StorageOptions configures reads through the BigQuery Storage Read API.
type StorageOptions struct {
	// SelectedFields restricts the columns read. Struct reads default to
	// the columns of the struct.
	SelectedFields []string `json:"selected_fields,omitempty"`
	// RowRestriction is a SQL filter applied on the server.
	RowRestriction string `json:"row_restriction,omitempty"`
	// MaxStreams caps the number of parallel streams. Zero lets the server
	// decide.
	MaxStreams int `json:"max_streams,omitempty"`
}

// StorageOption configures ReadStorage.
type StorageOption func(*StorageOptions) error

// WithSelectedFields restricts the read to the given columns.
func WithSelectedFields(fields ...string) StorageOption {
	return func(o *StorageOptions) error {
		for _, f := range fields {
			if strings.TrimSpace(f) == "" {
				return errors.New("empty selected field")
			}
		}
		o.SelectedFields = append(o.SelectedFields, fields...)
		return nil
	}
}

// WithRowRestriction filters rows on the server, e.g. "age > 21".
func WithRowRestriction(filter string) StorageOption {
	return func(o *StorageOptions) error {
		o.RowRestriction = filter
		return nil
	}
}

// WithMaxStreams caps the number of streams the read is split into.
func WithMaxStreams(n int) StorageOption {
	return func(o *StorageOptions) error {
		if n < 0 {
			return errors.Errorf("negative max streams: %d", n)
		}
		o.MaxStreams = n
		return nil
	}
}

func newStorageOptions(opts []StorageOption) (StorageOptions, error) {
	var o StorageOptions
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return StorageOptions{}, err
		}
	}
	return o, nil
}

// ReadStorage reads the table through the BigQuery Storage Read API, reading
// its streams in parallel. It returns a PCollection<t>, where t is TableRow or
// a struct bound with the "bigquery" tag.
func ReadStorage(s beam.Scope, project, table string, t reflect.Type, opts ...StorageOption) beam.PCollection {
	return beam.Must(TryReadStorage(s, project, table, t, opts...))
}

// TryReadStorage is ReadStorage returning configuration errors.
func TryReadStorage(s beam.Scope, project, table string, t reflect.Type, opts ...StorageOption) (beam.PCollection, error) {
	qn, err := NewQualifiedTableName(table)
	if err != nil {
		return beam.PCollection{}, err
	}
	o, err := newStorageOptions(opts)
	if err != nil {
		return beam.PCollection{}, err
	}
	if t != tableRowType {
		if _, err := inferSchema(t); err != nil {
			return beam.PCollection{}, err
		}
		if len(o.SelectedFields) == 0 {
			o.SelectedFields = columnNames(t, TagKey)
		}
	}

	s = s.Scope("bigquery.ReadStorage")

	imp := beam.Impulse(s)
	streams := beam.ParDo(s, &createSessionFn{Project: project, Table: qn, Options: o}, imp)
	streams = beam.Reshuffle(s, streams)
	return beam.ParDo(s, &readStreamFn{Type: beam.EncodedType{T: t}}, streams, beam.TypeDefinition{Var: beam.XType, T: t}), nil
}

// streamSpec names one stream of a read session.
type streamSpec struct {
	Stream string
	Schema string
}

type createSessionFn struct {
	Project string             `json:"project"`
	Table   QualifiedTableName `json:"table"`
	Options StorageOptions     `json:"options"`
}

func (f *createSessionFn) ProcessElement(ctx context.Context, _ []byte, emit func(streamSpec)) error {
	client, err := bqstorage.NewBigQueryReadClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := createSession(ctx, client, f.Project, f.Table, f.Options)
	if err != nil {
		return err
	}
	log.Infof(ctx, "Reading %v with %d streams", f.Table, len(session.GetStreams()))
	for _, stream := range session.GetStreams() {
		emit(streamSpec{Stream: stream.GetName(), Schema: session.GetAvroSchema().GetSchema()})
	}
	return nil
}

func createSession(ctx context.Context, client *bqstorage.BigQueryReadClient, project string, qn QualifiedTableName, o StorageOptions) (*storagepb.ReadSession, error) {
	req := &storagepb.CreateReadSessionRequest{
		Parent: "projects/" + project,
		ReadSession: &storagepb.ReadSession{
			Table:      qn.StoragePath(),
			DataFormat: storagepb.DataFormat_AVRO,
			ReadOptions: &storagepb.ReadSession_TableReadOptions{
				SelectedFields: o.SelectedFields,
				RowRestriction: o.RowRestriction,
			},
		},
		MaxStreamCount: int32(o.MaxStreams),
	}
	session, err := client.CreateReadSession(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "creating read session for %v", qn)
	}
	return session, nil
}

// streamReader calls fn with each block of serialized rows of the stream,
// starting at offset. It returns nil once the stream is exhausted.
type streamReader func(ctx context.Context, stream string, offset int64, fn func([]byte) error) error

type readStreamFn struct {
	Type beam.EncodedType `json:"type"`

	client *bqstorage.BigQueryReadClient
	read   streamReader
	schema string
	codec  *goavro.Codec
	fields []avroField
}

func (f *readStreamFn) Setup() error {
	client, err := bqstorage.NewBigQueryReadClient(context.Background())
	if err != nil {
		return err
	}
	f.client = client
	f.read = func(ctx context.Context, stream string, offset int64, fn func([]byte) error) error {
		return readStream(ctx, client, stream, offset, fn)
	}
	return nil
}

func (f *readStreamFn) Teardown() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}

func (f *readStreamFn) bind(schema string) error {
	if schema == f.schema {
		return nil
	}
	codec, err := avrox.Codec(schema)
	if err != nil {
		return err
	}
	fields, err := parseAvroRecord(schema)
	if err != nil {
		return err
	}
	f.schema, f.codec, f.fields = schema, codec, fields
	return nil
}

// decode converts a row of the session schema into the element type. Struct
// elements are loaded from the TableRow form, so they accept the same field
// types as query reads.
func (f *readStreamFn) decode(native map[string]any) (any, error) {
	row := nativeToRow(native, f.fields)
	if f.Type.T == tableRowType {
		return row, nil
	}
	v := reflect.New(f.Type.T).Elem()
	if err := loadStruct(row, v); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func (f *readStreamFn) ProcessElement(ctx context.Context, spec streamSpec, emit func(beam.X)) error {
	if err := f.bind(spec.Schema); err != nil {
		return err
	}
	var offset int64
	return retry.Do(
		func() error {
			return f.read(ctx, spec.Stream, offset, func(data []byte) error {
				return decodeRows(f.codec, data, func(native map[string]any) error {
					v, err := f.decode(native)
					if err != nil {
						return retry.Unrecoverable(errors.Wrapf(err, "decoding row %d of %v", offset, spec.Stream))
					}
					offset++
					rowsRead.Inc(ctx, 1)
					emit(v)
					return nil
				})
			})
		},
		retry.Context(ctx),
		retry.Attempts(readStreamAttempts),
		retry.Delay(readStreamDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf(ctx, "Reopening stream %v at offset %d after attempt %d: %v", spec.Stream, offset, n+1, err)
		}),
	)
}

// readStream is the streamReader of the Storage Read API.
func readStream(ctx context.Context, client *bqstorage.BigQueryReadClient, stream string, offset int64, fn func([]byte) error) error {
	rows, err := client.ReadRows(ctx, &storagepb.ReadRowsRequest{ReadStream: stream, Offset: offset})
	if err != nil {
		return err
	}
	for {
		resp, err := rows.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(resp.GetAvroRows().GetSerializedBinaryRows()); err != nil {
			return err
		}
	}
}

// decodeRows decodes concatenated binary Avro records.
func decodeRows(codec *goavro.Codec, data []byte, fn func(map[string]any) error) error {
	for len(data) > 0 {
		native, rest, err := codec.NativeFromBinary(data)
		if err != nil {
			return retry.Unrecoverable(errors.Wrap(err, "decoding avro rows"))
		}
		m, ok := native.(map[string]any)
		if !ok {
			return retry.Unrecoverable(errors.Errorf("avro row is %T, want a record", native))
		}
		if err := fn(m); err != nil {
			return err
		}
		data = rest
	}
	return nil
}

func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	}
	return false
}
