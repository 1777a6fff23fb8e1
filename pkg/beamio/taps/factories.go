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

package taps

import (
	"context"

	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/connectors/pkg/beamio/avroio"
	"github.com/apache/beam/connectors/pkg/beamio/bigqueryio"
	"google.golang.org/api/option"
)

// AvroFile waits for Avro files matching glob and returns a tap decoding
// them into T.
func AvroFile[T any](ctx context.Context, t *Taps, glob string) (beamio.Tap[T], error) {
	p, err := avroio.NewPending[T](glob)
	if err != nil {
		return nil, err
	}
	return Wait(ctx, t, p)
}

// GenericAvroFile waits for Avro files matching glob and returns a tap of
// generic records.
func GenericAvroFile(ctx context.Context, t *Taps, glob string) (beamio.Tap[avroio.GenericRecord], error) {
	return AvroFile[avroio.GenericRecord](ctx, t, glob)
}

// TableRowJSONFile waits for newline-delimited JSON files matching glob.
func TableRowJSONFile(ctx context.Context, t *Taps, glob string) (beamio.Tap[bigqueryio.TableRow], error) {
	return Wait(ctx, t, bigqueryio.NewTableRowJSONPending(glob))
}

// BigQueryTable waits for the table to exist.
func BigQueryTable[T any](ctx context.Context, t *Taps, project, table string, opts ...option.ClientOption) (beamio.Tap[T], error) {
	p, err := bigqueryio.NewTablePending[T](project, table, opts...)
	if err != nil {
		return nil, err
	}
	return Wait(ctx, t, p)
}
