// info.go: The info command, reporting host features and effective settings
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/agilira/asyncrypt"
	"github.com/spf13/cobra"
)

// InfoReport describes the host and the configuration a run would use.
type InfoReport struct {
	Features asyncrypt.Features `json:"features" yaml:"features"`
	Backends []string           `json:"backends" yaml:"backends"`
	Config   *asyncrypt.Config  `json:"config" yaml:"config"`
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "info",
		Short:        "Show CPU features, registered backends and the effective configuration",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, cmd, nil)
			if err != nil {
				return err
			}
			report := &InfoReport{
				Features: asyncrypt.HostFeatures(),
				Backends: asyncrypt.NewRegistry(nil).Backends(),
				Config:   cfg,
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Emit(report, report.writeText)
		},
	}
	return cmd
}

func (r *InfoReport) writeText(w io.Writer) {
	f := r.Features
	fmt.Fprintf(w, "arch:        %s\n", f.Arch)
	fmt.Fprintf(w, "features:    aes=%t clmul=%t sha2=%t sha512=%t avx2=%t\n", f.AES, f.CLMUL, f.SHA2, f.SHA512, f.AVX2)
	fmt.Fprintf(w, "backends:    %s\n", strings.Join(r.Backends, ", "))

	c := r.Config
	fmt.Fprintf(w, "backend:     %s\n", c.Backend)
	fmt.Fprintf(w, "accelerator: mode=%s instances=%d workers=%d ring=%d batch=%d latency=%s\n",
		c.Accelerator.Mode, c.Accelerator.Instances, c.Accelerator.Workers,
		c.Accelerator.MaxPending, c.Accelerator.BatchCapacity, c.Accelerator.Latency)
	fmt.Fprintf(w, "submit:      yield_after=%d max_retries=%d\n", c.Submit.YieldAfter, c.Submit.MaxRetries)
	fmt.Fprintf(w, "wait:        spin=%d max_backoff=%s\n", c.Wait.SpinIterations, c.Wait.MaxBackoff)

	names := make([]string, 0, len(c.Thresholds))
	for name := range c.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "threshold:   %s=%d\n", name, c.Thresholds[name])
	}
}
