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
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/beam/sdks/v2/go/pkg/beam"
	_ "github.com/apache/beam/sdks/v2/go/pkg/beam/io/filesystem/local"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/testing/passert"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/testing/ptest"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"", true},
		{"  ", true},
		{"nosuchfs://bucket/out", true},
		{filepath.Join(t.TempDir(), "out"), false},
	}
	for _, test := range tests {
		if err := ValidatePath(test.path); (err != nil) != test.wantErr {
			t.Errorf("ValidatePath(%q) = %v, want error %v", test.path, err, test.wantErr)
		}
	}
}

func TestFilesExist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	glob := filepath.Join(dir, "rows-*.json")

	ok, err := FilesExist(ctx, glob)
	if err != nil {
		t.Fatalf("FilesExist failed: %v", err)
	}
	if ok {
		t.Errorf("FilesExist(%v) = true before any file was written", glob)
	}

	if err := os.WriteFile(filepath.Join(dir, "rows-0.json"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, err := FilesExist(ctx, glob); err != nil || !ok {
		t.Errorf("FilesExist(%v) = %v, %v; want true", glob, ok, err)
	}
}

func TestShardKeys(t *testing.T) {
	p, s := beam.NewPipelineWithRoot()
	keys := beam.DropValue(s, ShardKeys(s, 4))
	passert.Equals(s, keys, 0, 1, 2, 3)
	ptest.RunAndValidate(t, p)
}
