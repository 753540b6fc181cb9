package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gridfill/gridfill-cli/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	Long:  "Scaffolds a config.yaml in the current directory with the default settings. Secrets are left to the GRIDFILL_* environment.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		const path = "config.yaml"

		if !initForce {
			if _, err := os.Stat(path); err == nil {
				return eris.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}

		data, err := yaml.Marshal(nestDefaults(config.Defaults()))
		if err != nil {
			return eris.Wrap(err, "marshal defaults")
		}

		header := "# gridfill configuration. Every key can be overridden by a GRIDFILL_*\n" +
			"# environment variable, e.g. GRIDFILL_SERVER_PORT or GRIDFILL_PARALLEL_KEY.\n"
		if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
			return eris.Wrapf(err, "write %s", path)
		}

		fmt.Fprintf(os.Stdout, "Wrote %s\n", path)
		return nil
	},
}

// nestDefaults turns flat viper keys ("server.port") into the nested map
// yaml.Marshal needs.
func nestDefaults(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, val := range flat {
		parts := strings.Split(key, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = val
	}
	return out
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config.yaml")
	rootCmd.AddCommand(initCmd)
}
