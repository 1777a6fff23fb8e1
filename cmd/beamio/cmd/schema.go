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
	"bytes"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/apache/beam/connectors/pkg/beamio/bigqueryio"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var (
	schemaCmd = &cobra.Command{
		Use:   "schema",
		Short: "Print dataset schemas",
	}

	schemaAvroCmd = &cobra.Command{
		Use:   "avro TABLE",
		Short: "Print the Avro schema of files loadable into a BigQuery table",
		Args:  cobra.ExactArgs(1),
		RunE:  schemaAvroE,
	}
)

func init() {
	schemaCmd.AddCommand(schemaAvroCmd)
}

func schemaAvroE(cmd *cobra.Command, args []string) error {
	qn, err := bigqueryio.NewQualifiedTableName(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	client, err := bigquery.NewClient(ctx, billingProject(qn))
	if err != nil {
		return err
	}
	defer client.Close()

	schema, err := bigqueryio.TableAvroSchema(ctx, client, qn)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(schema), "", "  "); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), buf.String())
	return err
}
