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

// Package bigqueryio provides transformations and utilities to interact with
// Google BigQuery. See also: https://cloud.google.com/bigquery/docs.
//
// Elements are either structs, bound through bigquery.InferSchema and the
// "bigquery" struct tag, or TableRows.
package bigqueryio

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/log"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/register"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// TagKey is the struct tag used for column names.
const TagKey = "bigquery"

func init() {
	register.DoFn3x1[context.Context, []byte, func(beam.X), error]((*queryFn)(nil))
	register.Emitter1[beam.X]()
}

var rowsRead = beam.NewCounter("bigqueryio", "rows_read")

// QualifiedTableName is a fully qualified name of a bigquery table.
type QualifiedTableName struct {
	// Project is the Google Cloud project ID.
	Project string `json:"project"`
	// Dataset is the dataset ID within the project.
	Dataset string `json:"dataset"`
	// Table is the table ID within the dataset.
	Table string `json:"table"`
}

// String formats the qualified name as "<project>:<dataset>.<table>".
func (qn QualifiedTableName) String() string {
	return fmt.Sprintf("%v:%v.%v", qn.Project, qn.Dataset, qn.Table)
}

// StandardSQL formats the qualified name for use in Standard SQL queries.
func (qn QualifiedTableName) StandardSQL() string {
	return fmt.Sprintf("`%v.%v.%v`", qn.Project, qn.Dataset, qn.Table)
}

// StoragePath formats the qualified name as a resource path for the Storage
// Read API.
func (qn QualifiedTableName) StoragePath() string {
	return fmt.Sprintf("projects/%v/datasets/%v/tables/%v", qn.Project, qn.Dataset, qn.Table)
}

// NewQualifiedTableName parses "<project>:<dataset>.<table>" into a
// QualifiedTableName. The Standard SQL form "<project>.<dataset>.<table>" is
// accepted as well.
func NewQualifiedTableName(s string) (QualifiedTableName, error) {
	s = strings.Trim(s, "`")
	c := strings.LastIndex(s, ":")
	d := strings.LastIndex(s, ".")
	if c == -1 && d != -1 {
		// project.dataset.table
		if p := strings.LastIndex(s[:d], "."); p != -1 {
			return newQualifiedTableName(s[:p], s[p+1:d], s[d+1:], s)
		}
	}
	if c == -1 || d == -1 || d < c {
		return QualifiedTableName{}, errors.Errorf("table name missing components: %v", s)
	}
	return newQualifiedTableName(s[:c], s[c+1:d], s[d+1:], s)
}

func newQualifiedTableName(project, dataset, table, s string) (QualifiedTableName, error) {
	if strings.TrimSpace(project) == "" || strings.TrimSpace(dataset) == "" || strings.TrimSpace(table) == "" {
		return QualifiedTableName{}, errors.Errorf("table name has empty components: %v", s)
	}
	return QualifiedTableName{Project: project, Dataset: dataset, Table: table}, nil
}

// Read reads all rows from the given table. The table must have a schema
// compatible with the given type, t, and Read returns a PCollection<t>. If the
// table has more rows than t, then Read is implicitly a projection. For
// TableRow, all columns are read.
func Read(s beam.Scope, project, table string, t reflect.Type) beam.PCollection {
	return beam.Must(TryRead(s, project, table, t))
}

// TryRead is Read returning configuration errors.
func TryRead(s beam.Scope, project, table string, t reflect.Type) (beam.PCollection, error) {
	qn, err := NewQualifiedTableName(table)
	if err != nil {
		return beam.PCollection{}, err
	}
	if err := checkElemType(t); err != nil {
		return beam.PCollection{}, err
	}
	stmt, err := readStatement(qn, t)
	if err != nil {
		return beam.PCollection{}, err
	}

	s = s.Scope("bigquery.Read")
	return query(s, project, stmt, t, QueryOptions{}), nil
}

// readStatement builds the legacy SQL query reading the columns of t from
// the table.
func readStatement(qn QualifiedTableName, t reflect.Type) (string, error) {
	if t == tableRowType {
		return fmt.Sprintf("SELECT * FROM [%v]", qn), nil
	}
	return trySelectStatement(t, TagKey, qn.String())
}

// constructSelectStatement builds a legacy SQL projection of the columns of
// the struct type t. It panics if t has no columns.
func constructSelectStatement(t reflect.Type, tagKey string, table string) string {
	stmt, err := trySelectStatement(t, tagKey, table)
	if err != nil {
		panic(err)
	}
	return stmt
}

func trySelectStatement(t reflect.Type, tagKey string, table string) (string, error) {
	columns := columnNames(t, tagKey)
	if len(columns) == 0 {
		return "", errors.Errorf("no columns to select from %v", t)
	}
	return fmt.Sprintf("SELECT %v FROM [%v]", strings.Join(columns, ", "), table), nil
}

// columnNames returns the top-level column names of the struct type t.
func columnNames(t reflect.Type, tagKey string) []string {
	var columns []string
	for _, c := range structColumns(t, tagKey) {
		columns = append(columns, c.name)
	}
	return columns
}

// structColumn is a struct field bound to a column.
type structColumn struct {
	name  string
	index []int
}

// structColumns lists the columns of the struct type t the way
// bigquery.InferSchema names them. Untagged embedded structs contribute
// their fields.
func structColumns(t reflect.Type, tagKey string) []structColumn {
	var columns []structColumn
	var walk func(t reflect.Type, index []int)
	walk = func(t reflect.Type, index []int) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			idx := append(append([]int(nil), index...), i)
			tag, hasTag := f.Tag.Lookup(tagKey)
			name := strings.Split(tag, ",")[0]
			if name == "-" {
				continue
			}
			if f.Anonymous && !hasTag && f.Type.Kind() == reflect.Struct {
				walk(f.Type, idx)
				continue
			}
			if !f.IsExported() {
				continue
			}
			if name == "" {
				name = f.Name
			}
			columns = append(columns, structColumn{name: name, index: idx})
		}
	}
	walk(t, nil)
	return columns
}

// QueryOptions represents additional options for executing a query.
type QueryOptions struct {
	// UseStandardSQL enables BigQuery's Standard SQL dialect when executing a query.
	UseStandardSQL bool
	// DisableFlattenedResults keeps nested and repeated legacy SQL results
	// nested.
	DisableFlattenedResults bool
	// Location is the location the query job runs in.
	Location string
}

// UseStandardSQL enables BigQuery's Standard SQL dialect when executing a query.
func UseStandardSQL() func(qo *QueryOptions) error {
	return func(qo *QueryOptions) error {
		qo.UseStandardSQL = true
		return nil
	}
}

// DisableFlattenedResults keeps nested legacy SQL results nested. It is
// ignored for Standard SQL, which never flattens.
func DisableFlattenedResults() func(qo *QueryOptions) error {
	return func(qo *QueryOptions) error {
		qo.DisableFlattenedResults = true
		return nil
	}
}

// WithLocation runs the query job in the given location.
func WithLocation(location string) func(qo *QueryOptions) error {
	return func(qo *QueryOptions) error {
		if location == "" {
			return errors.New("empty query location")
		}
		qo.Location = location
		return nil
	}
}

// Query executes a query. The output must have a schema compatible with the given
// type, t. It returns a PCollection<t>.
func Query(s beam.Scope, project, q string, t reflect.Type, options ...func(*QueryOptions) error) beam.PCollection {
	return beam.Must(TryQuery(s, project, q, t, options...))
}

// TryQuery is Query returning configuration errors.
func TryQuery(s beam.Scope, project, q string, t reflect.Type, options ...func(*QueryOptions) error) (beam.PCollection, error) {
	if strings.TrimSpace(q) == "" {
		return beam.PCollection{}, errors.New("bigquery.Query: empty query")
	}
	if err := checkElemType(t); err != nil {
		return beam.PCollection{}, err
	}
	queryOptions, err := newQueryOptions(options)
	if err != nil {
		return beam.PCollection{}, err
	}
	s = s.Scope("bigquery.Query")
	return query(s, project, q, t, queryOptions), nil
}

func newQueryOptions(options []func(*QueryOptions) error) (QueryOptions, error) {
	queryOptions := QueryOptions{}
	for _, opt := range options {
		if err := opt(&queryOptions); err != nil {
			return QueryOptions{}, err
		}
	}
	return queryOptions, nil
}

func query(s beam.Scope, project, query string, t reflect.Type, options QueryOptions) beam.PCollection {
	imp := beam.Impulse(s)
	return beam.ParDo(s, &queryFn{Project: project, Query: query, Type: beam.EncodedType{T: t}, Options: options}, imp, beam.TypeDefinition{Var: beam.XType, T: t})
}

type queryFn struct {
	// Project is the project
	Project string `json:"project"`
	// Query is the query text.
	Query string `json:"query"`
	// Type is the encoded schema type.
	Type beam.EncodedType `json:"type"`
	// Options specifies additional query execution options.
	Options QueryOptions `json:"options"`
}

func (f *queryFn) ProcessElement(ctx context.Context, _ []byte, emit func(beam.X)) error {
	client, err := bigquery.NewClient(ctx, f.Project)
	if err != nil {
		return err
	}
	defer client.Close()

	it, err := runQuery(ctx, client, f.Query, f.Options)
	if err != nil {
		return errors.Wrapf(err, "bigquery query failed: %v", f.Query)
	}
	log.Infof(ctx, "Reading %d rows of query results", it.TotalRows)

	for {
		val := reflect.New(f.Type.T).Interface() // val : *T
		if err := it.Next(val); err != nil {
			if err == iterator.Done {
				break
			}
			return err
		}

		rowsRead.Inc(ctx, 1)
		emit(reflect.ValueOf(val).Elem().Interface()) // emit(*val)
	}
	return nil
}

func runQuery(ctx context.Context, client *bigquery.Client, q string, options QueryOptions) (*bigquery.RowIterator, error) {
	query := client.Query(q)
	if !options.UseStandardSQL {
		query.UseLegacySQL = true
		query.DisableFlattenedResults = options.DisableFlattenedResults
	}
	if options.Location != "" {
		query.Location = options.Location
	}
	return query.Read(ctx)
}

// checkElemType verifies that t is TableRow or a struct bigquery can infer a
// schema for.
func checkElemType(t reflect.Type) error {
	if t == tableRowType {
		return nil
	}
	_, err := inferSchema(t)
	return err
}

func inferSchema(t reflect.Type) (bigquery.Schema, error) {
	if t.Kind() != reflect.Struct {
		return nil, errors.Errorf("schema type must be struct or TableRow: %v", t)
	}
	schema, err := bigquery.InferSchema(reflect.Zero(t).Interface())
	if err != nil {
		return nil, errors.Wrapf(err, "invalid schema type: %v", t)
	}
	return schema, nil
}

func isNotFound(err error) bool {
	var e *googleapi.Error
	return errors.As(err, &e) && e.Code == http.StatusNotFound
}

// TableExists reports whether the table exists.
func TableExists(ctx context.Context, client *bigquery.Client, qn QualifiedTableName) (bool, error) {
	_, err := client.DatasetInProject(qn.Project, qn.Dataset).Table(qn.Table).Metadata(ctx)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// TableSchema returns the schema of an existing table.
func TableSchema(ctx context.Context, client *bigquery.Client, qn QualifiedTableName) (bigquery.Schema, error) {
	md, err := client.DatasetInProject(qn.Project, qn.Dataset).Table(qn.Table).Metadata(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "reading metadata of %v", qn)
	}
	return md.Schema, nil
}

// TableAvroSchema returns the Avro schema matching the columns of an existing
// table.
func TableAvroSchema(ctx context.Context, client *bigquery.Client, qn QualifiedTableName) (string, error) {
	schema, err := TableSchema(ctx, client, qn)
	if err != nil {
		return "", err
	}
	return ToAvroSchema(schema, avroName(qn))
}
