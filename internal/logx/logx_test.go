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

package logx

import (
	"context"
	"strings"
	"testing"

	"github.com/apache/beam/sdks/v2/go/pkg/beam/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(zap.New(core))
	ctx := context.Background()

	l.Log(ctx, log.SevDebug, 1, "hidden")
	l.Log(ctx, log.SevInfo, 1, "info")
	l.Log(ctx, log.SevWarn, 1, "warn")
	l.Log(ctx, log.SevFatal, 1, "fatal")
	l.Log(ctx, log.SevUnspecified, 1, "unspecified")

	want := map[string]zapcore.Level{
		"info":        zapcore.InfoLevel,
		"warn":        zapcore.WarnLevel,
		"fatal":       zapcore.ErrorLevel,
		"unspecified": zapcore.InfoLevel,
	}
	if got := logs.Len(); got != len(want) {
		t.Fatalf("logged %d entries, want %d: %v", got, len(want), logs.All())
	}
	for _, e := range logs.All() {
		if lvl, ok := want[e.Message]; !ok || e.Level != lvl {
			t.Errorf("entry %q at %v, want %v", e.Message, e.Level, lvl)
		}
	}
}

func TestSetLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log.SetLogger(New(zap.New(core, zap.AddCaller())))

	log.Infof(context.Background(), "rows: %d", 3)

	entries := logs.FilterMessage("rows: 3").All()
	if len(entries) != 1 {
		t.Fatalf("found %d entries, want 1: %v", len(entries), logs.All())
	}
	if file := entries[0].Caller.File; !strings.HasSuffix(file, "logx_test.go") {
		t.Errorf("caller = %v, want logx_test.go", file)
	}
}
