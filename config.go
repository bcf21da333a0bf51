// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mvalvekens/usbip-cdc-client/usbip"
)

const defaultPort = usbip.DefaultPort

// deviceSelectorSpec is the on-disk/env shape of one "devices" list entry;
// vendor/product are hex strings (e.g. "2341") so they read naturally out
// of YAML or an environment variable.
type deviceSelectorSpec struct {
	Vendor  string `json:"vendor"`
	Product string `json:"product"`
}

// initConfig defines config flags, config file, and envs.
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("target.host", "", "Hostname or IP address of the usbipd server.")
	flag.Int("target.port", defaultPort, "TCP port of the usbipd server.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbip-cdc-client/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

func getConfiguredTarget() usbip.Target {
	return usbip.Target{
		Host: viper.GetString("target.host"),
		Port: viper.GetInt("target.port"),
	}
}

func getConfiguredDevices() ([]usbip.HardwareID, error) {
	raw, ok := viper.Get("devices").([]interface{})
	if !ok {
		return nil, fmt.Errorf("devices must be a list of {vendor, product} entries")
	}

	specs := make([]deviceSelectorSpec, len(raw))
	for i, def := range raw {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &specs[i],
			TagName: "json",
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode device selector %v: %w", def, err)
		}
	}

	selectors := make([]usbip.HardwareID, len(specs))
	for i, s := range specs {
		vendor, err := strconv.ParseUint(s.Vendor, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid vendor id %q: %w", s.Vendor, err)
		}
		product, err := strconv.ParseUint(s.Product, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid product id %q: %w", s.Product, err)
		}
		selectors[i] = usbip.HardwareID{VendorID: uint16(vendor), ProductID: uint16(product)}
	}
	return selectors, nil
}
