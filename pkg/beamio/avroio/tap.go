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

package avroio

import (
	"context"
	"io"
	"reflect"
	"sort"

	"github.com/apache/beam/connectors/pkg/beamio"
	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/io/filesystem"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// FileTap reads the Avro container files matching a glob outside of a
// pipeline. The element type T selects the binding, as for Read.
type FileTap[T any] struct {
	glob string
	t    reflect.Type
}

// NewTap returns a tap over the files matching glob.
func NewTap[T any](glob string) (*FileTap[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if _, err := newDecoder(t); err != nil {
		return nil, err
	}
	if err := beamio.ValidatePath(glob); err != nil {
		return nil, err
	}
	return &FileTap[T]{glob: glob, t: t}, nil
}

func newTapOf(glob string, t reflect.Type) *FileTap[any] {
	return &FileTap[any]{glob: glob, t: t}
}

// Glob returns the glob the tap reads.
func (f *FileTap[T]) Glob() string {
	return f.glob
}

// Iterator opens the matching files in lexical order.
func (f *FileTap[T]) Iterator(ctx context.Context) (beamio.Iterator[T], error) {
	dec, err := newDecoder(f.t)
	if err != nil {
		return nil, err
	}
	fs, err := filesystem.New(ctx, f.glob)
	if err != nil {
		return nil, err
	}
	files, err := fs.List(ctx, f.glob)
	if err != nil {
		fs.Close()
		return nil, errors.Wrapf(err, "listing %v", f.glob)
	}
	sort.Strings(files)
	return &fileIterator[T]{ctx: ctx, fs: fs, files: files, dec: dec}, nil
}

// Open reads the files in a pipeline.
func (f *FileTap[T]) Open(s beam.Scope) beam.PCollection {
	return Read(s, f.glob, f.t)
}

type fileIterator[T any] struct {
	ctx   context.Context
	fs    filesystem.Interface
	files []string
	dec   decoder

	current io.ReadCloser
	reader  *goavro.OCFReader
}

func (it *fileIterator[T]) Next() (T, error) {
	var zero T
	for {
		if it.reader != nil && it.reader.Scan() {
			native, err := it.reader.Read()
			if err != nil {
				return zero, err
			}
			v, err := it.dec.decode(it.reader.Codec(), native)
			if err != nil {
				return zero, err
			}
			return v.(T), nil
		}
		if it.reader != nil {
			if err := it.reader.Err(); err != nil {
				return zero, err
			}
		}
		if err := it.advance(); err != nil {
			return zero, err
		}
	}
}

// advance opens the next file, or returns iterator.Done.
func (it *fileIterator[T]) advance() error {
	if it.current != nil {
		it.current.Close()
		it.current, it.reader = nil, nil
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
	r, err := goavro.NewOCFReader(rc)
	if err != nil {
		rc.Close()
		return errors.Wrapf(err, "reading avro container %v", name)
	}
	it.current, it.reader = rc, r
	return nil
}

func (it *fileIterator[T]) Close() error {
	if it.current != nil {
		it.current.Close()
	}
	return it.fs.Close()
}

// Exists reports whether at least one file matches glob.
func Exists(ctx context.Context, glob string) (bool, error) {
	return beamio.FilesExist(ctx, glob)
}

// NewPending returns a pending output for the files matching glob.
func NewPending[T any](glob string) (beamio.Pending[T], error) {
	tap, err := NewTap[T](glob)
	if err != nil {
		return nil, err
	}
	return &beamio.PendingFunc[T]{
		Resource: glob,
		Check: func(ctx context.Context) (bool, error) {
			return beamio.FilesExist(ctx, glob)
		},
		Output: tap,
	}, nil
}

func newPending(glob string, t reflect.Type) beamio.ClosedTap {
	return &beamio.PendingFunc[any]{
		Resource: glob,
		Check: func(ctx context.Context) (bool, error) {
			return beamio.FilesExist(ctx, glob)
		},
		Output: newTapOf(glob, t),
	}
}
