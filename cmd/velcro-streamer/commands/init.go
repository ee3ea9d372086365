package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yamakiller/velcro-framework-sub001/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample Velcro Streamer configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/velcro-streamer/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  velcro-streamer init

  # Initialize with custom path
  velcro-streamer init --config /etc/velcro/streamer.yaml

  # Force overwrite existing config
  velcro-streamer init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Edit the stack section to choose the stages you need")
	fmt.Fprintln(out, "  2. Read a file with: velcro-streamer read <file>")
	fmt.Fprintf(out, "  3. Or run the engine: velcro-streamer serve --config %s\n", configPath)
	return nil
}
