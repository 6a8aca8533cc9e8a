package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/warmer/hostfunc"
)

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "List the capability modules bound into every namespace",
	Long: `List the capability modules a worker pre-binds into its namespace,
with their versions and functions. The fs module only appears when at least
one --mount is given.`,
	Args: cobra.NoArgs,
	RunE: runCapabilities,
}

func init() {
	capabilitiesCmd.Flags().Bool("json", false, "Print as JSON")
	rootCmd.AddCommand(capabilitiesCmd)
}

type capabilityInfo struct {
	Module    string   `json:"module"`
	Version   string   `json:"version"`
	Functions []string `json:"functions"`
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	caps, err := buildCapabilities(cfg)
	if err != nil {
		return err
	}

	infos := describe(caps)
	out := cmd.OutOrStdout()

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"version": hostfunc.TableVersion,
			"modules": infos,
		})
	}

	fmt.Fprintf(out, "capability table v%s\n", hostfunc.TableVersion)
	for _, info := range infos {
		fmt.Fprintf(out, "\n%s (v%s)\n", info.Module, info.Version)
		for _, fn := range info.Functions {
			fmt.Fprintf(out, "  %s\n", fn)
		}
	}
	return nil
}

func describe(caps *hostfunc.Table) []capabilityInfo {
	modules := caps.Modules()
	infos := make([]capabilityInfo, 0, len(modules))
	for _, m := range modules {
		info := capabilityInfo{Module: m.Name, Version: m.Version}
		for _, b := range m.Bindings {
			info.Functions = append(info.Functions, fmt.Sprintf("%s.%s(%s)", m.Name, b.Name, strings.Join(b.Params, ", ")))
		}
		infos = append(infos, info)
	}
	return infos
}
