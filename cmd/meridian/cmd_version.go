// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

// version is stamped at build time with
// -ldflags "-X main.version=v1.2.3".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the meridian version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("meridian %s (%s %s/%s)\n", version, goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
	},
}
