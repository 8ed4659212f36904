package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/regentmm/regent/pkg/config"
)

const configFileMode = 0o644

// ConfigCommand inspects and scaffolds regent configuration files.
type ConfigCommand struct {
	configPath string
	out        io.Writer
}

// NewConfigCommand creates the config command group.
func NewConfigCommand() *cobra.Command {
	cc := &ConfigCommand{out: os.Stdout}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and scaffold configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(_ *cobra.Command, _ []string) error {
			return cc.Show()
		},
	}
	show.Flags().StringVarP(&cc.configPath, "config", "c", "", "config file path")

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "regent.yaml"
			if len(args) == 1 {
				path = args[0]
			}

			return cc.Init(path)
		},
	}

	cmd.AddCommand(show, initCmd)

	return cmd
}

// Show loads the effective configuration and prints it.
func (cc *ConfigCommand) Show() error {
	cfg, err := config.Load(cc.configPath)
	if err != nil {
		return err
	}

	return cfg.Write(cc.out)
}

// Init writes the default configuration to path, refusing to overwrite.
func (cc *ConfigCommand) Init(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, configFileMode)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := config.Default().Write(f); err != nil {
		return err
	}

	fmt.Fprintf(cc.out, "wrote default configuration to %s\n", path)

	return nil
}
