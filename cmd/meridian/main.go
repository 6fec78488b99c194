// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/meridianhealth/meridian/pkg/config"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFailed)
	}
	os.Exit(exitOK)
}
