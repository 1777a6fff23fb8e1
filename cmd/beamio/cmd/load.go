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

package cmd

import (
	"context"
	"flag"
	"os"
	"reflect"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/apache/beam/connectors/pkg/beamio/avroio"
	"github.com/apache/beam/connectors/pkg/beamio/bigqueryio"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/log"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/register"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/x/beamx"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	register.Function1x2(toTableRow)

	loadCmd.Flags().StringVar(&method, "method", string(bigqueryio.StreamingInserts), "Write method: STREAMING_INSERTS or FILE_LOADS.")
	loadCmd.Flags().StringVar(&writeDisposition, "write_disposition", string(bigquery.WriteAppend), "WRITE_APPEND, WRITE_TRUNCATE or WRITE_EMPTY.")
	loadCmd.Flags().StringVar(&createDisposition, "create_disposition", string(bigquery.CreateIfNeeded), "CREATE_IF_NEEDED or CREATE_NEVER.")
	loadCmd.Flags().StringVar(&schemaFile, "schema", "", "BigQuery JSON schema file. Defaults to the schema of the existing table.")
}

var (
	loadCmd = &cobra.Command{
		Use:   "load GLOB TABLE",
		Short: "Load Avro container files into a BigQuery table",
		Long: `Load Avro container files into a BigQuery table.

The load runs as a pipeline on the runner selected by --runner. FILE_LOADS
stages files under --temp_location, which must be a gs:// path.`,
		Args: cobra.ExactArgs(2),
		RunE: loadE,
	}

	method            string
	writeDisposition  string
	createDisposition string
	schemaFile        string
)

func loadE(cmd *cobra.Command, args []string) error {
	glob, table := args[0], args[1]
	qn, err := bigqueryio.NewQualifiedTableName(table)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	schema, err := loadSchema(ctx, qn)
	if err != nil {
		return err
	}
	opts := []bigqueryio.WriteOption{
		bigqueryio.WithSchema(schema),
		bigqueryio.WithMethod(bigqueryio.WriteMethod(strings.ToUpper(method))),
		bigqueryio.WithWriteDisposition(bigquery.TableWriteDisposition(strings.ToUpper(writeDisposition))),
		bigqueryio.WithCreateDisposition(bigquery.TableCreateDisposition(strings.ToUpper(createDisposition))),
	}
	if f := flag.Lookup("temp_location"); f != nil && f.Value.String() != "" {
		opts = append(opts, bigqueryio.WithTempLocation(f.Value.String()))
	}

	beam.Init()
	p, s := beam.NewPipelineWithRoot()
	records, err := avroio.TryRead(s, glob, reflect.TypeOf(avroio.GenericRecord{}))
	if err != nil {
		return err
	}
	rows := beam.ParDo(s, toTableRow, records)
	if _, err := bigqueryio.TryWrite(s, billingProject(qn), table, rows, opts...); err != nil {
		return err
	}

	log.Infof(ctx, "Loading %v into %v", glob, qn)
	return beamx.Run(ctx, p)
}

// loadSchema reads --schema, or the schema of the existing table.
func loadSchema(ctx context.Context, qn bigqueryio.QualifiedTableName) (bigquery.Schema, error) {
	if schemaFile != "" {
		data, err := os.ReadFile(schemaFile)
		if err != nil {
			return nil, err
		}
		schema, err := bigquery.SchemaFromJSON(data)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %v", schemaFile)
		}
		return schema, nil
	}

	client, err := bigquery.NewClient(ctx, billingProject(qn))
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return bigqueryio.TableSchema(ctx, client, qn)
}

func toTableRow(r avroio.GenericRecord) (bigqueryio.TableRow, error) {
	return bigqueryio.NativeToRow(r.Fields, r.Schema)
}
