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
	"github.com/apache/beam/connectors/pkg/beamio/taps"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var waitCmd = &cobra.Command{
	Use:   "wait KIND RESOURCE...",
	Short: "Wait for datasets written by other jobs",
	Long: `Wait for datasets written by other jobs.

KIND is avro or json for file globs, or bq for BigQuery tables. The
--taps_* flags select the waiting algorithm.`,
	Args: cobra.MinimumNArgs(2),
	RunE: waitE,
}

func waitE(cmd *cobra.Command, args []string) error {
	t, err := taps.New(taps.FromFlags())
	if err != nil {
		return err
	}

	kind := args[0]
	var ps []beamio.ClosedTap
	for _, resource := range args[1:] {
		p, err := pendingOf(kind, resource)
		if err != nil {
			return err
		}
		ps = append(ps, p)
	}

	if _, err := t.WaitAll(cmd.Context(), ps...); err != nil {
		return err
	}
	for _, p := range ps {
		fmt.Fprintf(cmd.OutOrStdout(), "ready: %v\n", p)
	}
	return nil
}

func pendingOf(kind, resource string) (beamio.ClosedTap, error) {
	switch kind {
	case "avro":
		p, err := avroio.NewPending[avroio.GenericRecord](resource)
		if err != nil {
			return nil, err
		}
		return beamio.ErasePending(p), nil
	case "json":
		return beamio.ErasePending(bigqueryio.NewTableRowJSONPending(resource)), nil
	case "bq":
		qn, err := bigqueryio.NewQualifiedTableName(resource)
		if err != nil {
			return nil, err
		}
		p, err := bigqueryio.NewTablePending[bigqueryio.TableRow](billingProject(qn), resource)
		if err != nil {
			return nil, err
		}
		return beamio.ErasePending(p), nil
	default:
		return nil, errors.Errorf("unknown dataset kind %q, want avro, json or bq", kind)
	}
}
