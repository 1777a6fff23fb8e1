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
	"bufio"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/io/filesystem"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/io/textio"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/register"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

func init() {
	register.Function2x1[string, func(TableRow), error](parseTableRowFn)
	register.Function1x2[TableRow, string, error](formatTableRowFn)
	register.Emitter1[TableRow]()
}

// maxLineSize bounds a single JSON row.
const maxLineSize = 64 << 20

// TableRowJSON reads and writes TableRows as newline-delimited JSON files,
// the format of BigQuery extract jobs.
type TableRowJSON struct {
	// Path is a glob when reading and a file name when writing.
	Path string
}

func (j TableRowJSON) Name() string {
	return "bigqueryio.TableRowJSON"
}

func (j TableRowJSON) TryRead(s beam.Scope) (beam.PCollection, error) {
	if err := beamio.ValidatePath(j.Path); err != nil {
		return beam.PCollection{}, errors.Wrapf(err, "%v", j.Name())
	}
	s = s.Scope("bigquery.ReadTableRowJSON")
	lines := textio.Read(s, j.Path)
	return beam.ParDo(s, parseTableRowFn, lines), nil
}

func (j TableRowJSON) TryWrite(s beam.Scope, col beam.PCollection) (beamio.ClosedTap, error) {
	if err := beamio.ValidatePath(j.Path); err != nil {
		return nil, errors.Wrapf(err, "%v", j.Name())
	}
	if got := col.Type().Type(); got != tableRowType {
		return nil, errors.Errorf("%v writes TableRow, got %v", j.Name(), got)
	}
	s = s.Scope("bigquery.WriteTableRowJSON")
	lines := beam.ParDo(s, formatTableRowFn, col)
	textio.Write(s, j.Path, lines)
	return beamio.ErasePending[TableRow](NewTableRowJSONPending(j.Path)), nil
}

func parseTableRowFn(line string, emit func(TableRow)) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	row, err := decodeTableRow([]byte(line))
	if err != nil {
		return err
	}
	emit(row)
	return nil
}

func formatTableRowFn(row TableRow) (string, error) {
	b, err := encodeTableRow(row)
	if err != nil {
		return "", errors.Wrap(err, "encoding TableRow")
	}
	return string(b), nil
}

// TableRowJSONTap reads newline-delimited JSON files outside of a pipeline.
type TableRowJSONTap struct {
	glob string
}

// NewTableRowJSONTap returns a tap over the files matching glob.
func NewTableRowJSONTap(glob string) *TableRowJSONTap {
	return &TableRowJSONTap{glob: glob}
}

// Iterator reads the matching files in lexical order.
func (j *TableRowJSONTap) Iterator(ctx context.Context) (beamio.Iterator[TableRow], error) {
	fs, err := filesystem.New(ctx, j.glob)
	if err != nil {
		return nil, err
	}
	files, err := fs.List(ctx, j.glob)
	if err != nil {
		fs.Close()
		return nil, errors.Wrapf(err, "listing %v", j.glob)
	}
	sort.Strings(files)
	return &jsonIterator{ctx: ctx, fs: fs, files: files}, nil
}

// Open reads the files in a pipeline.
func (j *TableRowJSONTap) Open(s beam.Scope) beam.PCollection {
	return beamio.Read(s, TableRowJSON{Path: j.glob})
}

type jsonIterator struct {
	ctx   context.Context
	fs    filesystem.Interface
	files []string

	current io.ReadCloser
	scanner *bufio.Scanner
}

func (it *jsonIterator) Next() (TableRow, error) {
	for {
		for it.scanner != nil && it.scanner.Scan() {
			line := it.scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			return decodeTableRow(line)
		}
		if it.scanner != nil {
			if err := it.scanner.Err(); err != nil {
				return nil, err
			}
		}
		if err := it.advance(); err != nil {
			return nil, err
		}
	}
}

// advance opens the next file, or returns iterator.Done.
func (it *jsonIterator) advance() error {
	if it.current != nil {
		it.current.Close()
		it.current, it.scanner = nil, nil
	}
	if len(it.files) == 0 {
		return iterator.Done
	}
	name := it.files[0]
	it.files = it.files[1:]

	rc, err := it.fs.OpenRead(it.ctx, name)
	if err != nil {
		return errors.Wrapf(err, "opening %v", name)
	}
	it.current = rc
	it.scanner = bufio.NewScanner(rc)
	it.scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return nil
}

func (it *jsonIterator) Close() error {
	if it.current != nil {
		it.current.Close()
	}
	return it.fs.Close()
}

// NewTableRowJSONPending returns a pending output for the files matching
// glob. It is ready once at least one file matches.
func NewTableRowJSONPending(glob string) beamio.Pending[TableRow] {
	return &beamio.PendingFunc[TableRow]{
		Resource: glob,
		Check: func(ctx context.Context) (bool, error) {
			return beamio.FilesExist(ctx, glob)
		},
		Output: NewTableRowJSONTap(glob),
	}
}
