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

// Package cmd contains the beamio commands.
package cmd

import (
	"flag"
	"strings"

	"github.com/apache/beam/connectors/pkg/beamio/bigqueryio"
	"github.com/apache/beam/connectors/internal/logx"
	_ "github.com/apache/beam/sdks/v2/go/pkg/beam/io/filesystem/gcs"
	_ "github.com/apache/beam/sdks/v2/go/pkg/beam/io/filesystem/local"
	"github.com/apache/beam/sdks/v2/go/pkg/beam/options/gcpopts"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix prefixes the environment variables that set flags.
const envPrefix = "BEAMIO"

var (
	Root = &cobra.Command{
		Use:               "beamio",
		Short:             "beamio inspects and moves Avro and BigQuery datasets",
		SilenceUsage:      true,
		PersistentPreRunE: rootPreE,
	}

	cfg        *viper.Viper
	configFile string
	verbose    bool
)

func init() {
	Root.PersistentFlags().StringVar(&configFile, "config", "", "Config file setting flag defaults (yaml, json or toml).")
	Root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug messages.")
	// Pipeline, runner and taps flags are registered on the standard flag set.
	Root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	Root.AddCommand(schemaCmd, catCmd, waitCmd, loadCmd)
}

func rootPreE(cmd *cobra.Command, _ []string) error {
	cfg = viper.New()
	if configFile != "" {
		cfg.SetConfigFile(configFile)
		if err := cfg.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading config %v", configFile)
		}
	}
	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()

	if err := bindFlags(cmd.Flags()); err != nil {
		return err
	}
	// The SDK expects the standard flags to be parsed; their values were
	// already set through the persistent flags.
	if !flag.Parsed() {
		if err := flag.CommandLine.Parse(nil); err != nil {
			return err
		}
	}
	_, err := logx.Install(verbose)
	return err
}

// bindFlags sets every flag that was not given on the command line from the
// environment or the config file.
func bindFlags(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || !cfg.IsSet(f.Name) {
			return
		}
		if serr := fs.Set(f.Name, cfg.GetString(f.Name)); serr != nil {
			err = errors.Wrapf(serr, "setting --%v from %v", f.Name, envPrefix)
		}
	})
	return err
}

// billingProject is the project running jobs against qn: --project, or the
// project owning the table.
func billingProject(qn bigqueryio.QualifiedTableName) string {
	if *gcpopts.Project != "" {
		return *gcpopts.Project
	}
	return qn.Project
}
