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
	"fmt"

	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/connectors/pkg/beamio/avroio"
	"github.com/apache/beam/connectors/pkg/beamio/bigqueryio"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"google.golang.org/api/iterator"
)

var (
	catCmd = &cobra.Command{
		Use:   "cat",
		Short: "Print the records of a dataset as JSON lines",
	}

	catAvroCmd = &cobra.Command{
		Use:   "avro GLOB",
		Short: "Print the records of Avro container files",
		Args:  cobra.ExactArgs(1),
		RunE:  catAvroE,
	}

	catBigQueryCmd = &cobra.Command{
		Use:   "bq TABLE",
		Short: "Print the rows of a BigQuery table",
		Args:  cobra.ExactArgs(1),
		RunE:  catBigQueryE,
	}

	catJSONCmd = &cobra.Command{
		Use:   "json GLOB",
		Short: "Print the rows of newline-delimited JSON files",
		Args:  cobra.ExactArgs(1),
		RunE:  catJSONE,
	}

	limit int
)

func init() {
	catCmd.AddCommand(catAvroCmd, catBigQueryCmd, catJSONCmd)
	catCmd.PersistentFlags().IntVar(&limit, "limit", 0, "Maximum number of records to print (0 = all).")
}

func catAvroE(cmd *cobra.Command, args []string) error {
	tap, err := avroio.NewTap[avroio.GenericRecord](args[0])
	if err != nil {
		return err
	}
	return printTap[avroio.GenericRecord](cmd, tap, func(r avroio.GenericRecord) ([]byte, error) {
		codec, err := r.Codec()
		if err != nil {
			return nil, err
		}
		return codec.TextualFromNative(nil, r.Fields)
	})
}

func catBigQueryE(cmd *cobra.Command, args []string) error {
	qn, err := bigqueryio.NewQualifiedTableName(args[0])
	if err != nil {
		return err
	}
	tap, err := bigqueryio.NewTableTap[bigqueryio.TableRow](billingProject(qn), args[0])
	if err != nil {
		return err
	}
	return printTap[bigqueryio.TableRow](cmd, tap, marshalRow)
}

func catJSONE(cmd *cobra.Command, args []string) error {
	return printTap[bigqueryio.TableRow](cmd, bigqueryio.NewTableRowJSONTap(args[0]), marshalRow)
}

func marshalRow(row bigqueryio.TableRow) ([]byte, error) {
	return json.Marshal(row)
}

// printTap writes up to --limit records of tap, one per line.
func printTap[T any](cmd *cobra.Command, tap beamio.Tap[T], format func(T) ([]byte, error)) error {
	it, err := tap.Iterator(cmd.Context())
	if err != nil {
		return err
	}
	defer it.Close()

	out := cmd.OutOrStdout()
	for n := 0; limit <= 0 || n < limit; n++ {
		v, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		line, err := format(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s\n", line); err != nil {
			return err
		}
	}
	return nil
}
