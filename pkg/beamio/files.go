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

package beamio

import (
	"context"
	"strings"

	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/io/filesystem"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/register"
	"github.com/pkg/errors"
)

func init() {
	register.DoFn2x0[[]byte, func(int, bool)]((*shardKeysFn)(nil))
	register.Emitter2[int, bool]()
	register.Iter1[bool]()
}

// ValidatePath reports an empty path or an unregistered file system scheme.
func ValidatePath(path string) (err error) {
	if strings.TrimSpace(path) == "" {
		return errors.New("empty file path")
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%v", r)
		}
	}()
	filesystem.ValidateScheme(path)
	return nil
}

// FilesExist reports whether at least one file matches glob.
func FilesExist(ctx context.Context, glob string) (bool, error) {
	fs, err := filesystem.New(ctx, glob)
	if err != nil {
		return false, err
	}
	defer fs.Close()

	files, err := fs.List(ctx, glob)
	if err != nil {
		return false, errors.Wrapf(err, "listing %v", glob)
	}
	return len(files) > 0, nil
}

// ShardKeys returns a PCollection<KV<int,bool>> with one element for every
// shard number in [0, numShards). Co-grouping sharded records with it yields
// a group for each shard, including shards that received no records.
func ShardKeys(s beam.Scope, numShards int) beam.PCollection {
	s = s.Scope("beamio.ShardKeys")
	return beam.ParDo(s, &shardKeysFn{NumShards: numShards}, beam.Impulse(s))
}

type shardKeysFn struct {
	NumShards int `json:"num_shards"`
}

func (f *shardKeysFn) ProcessElement(_ []byte, emit func(int, bool)) {
	for i := 0; i < f.NumShards; i++ {
		emit(i, true)
	}
}
