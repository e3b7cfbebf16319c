// output.go: Text, JSON and YAML rendering of command results
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"
)

// OutputFormatter renders results in the configured format.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Emit writes data as JSON or YAML, or calls text for the human format.
func (f *OutputFormatter) Emit(data interface{}, text func(w io.Writer)) error {
	switch f.Format {
	case "json":
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(f.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	}
	text(f.Writer)
	return nil
}
