package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfigTemplate = `# heicfs configuration
mount_point: /mnt/heic
source_paths:
  - path: %s
    recursive: true
    mount_name: pictures
heic_settings:
  quality: 50
  speed: 4
  chroma: 420
  # max_width: 2560
  # max_height: 1440
cache:
  max_size_bytes: 1073741824
  root_path: %s
fuse:
  attr_timeout_seconds: 60
  prefetch_count: 0
workers: 0
logging:
  level: warn
`

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create config and cache directories with a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			configDir := filepath.Join(home, ".config", "heicfs")
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return err
			}
			cacheRoot := defaultCacheRoot()
			if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
				return err
			}

			configPath := filepath.Join(configDir, "heicfs.yaml")
			if _, err := os.Stat(configPath); err == nil {
				fmt.Fprintf(os.Stdout, "config already exists: %s\n", configPath)
				return nil
			}
			pictures := filepath.Join(home, "Pictures")
			content := fmt.Sprintf(defaultConfigTemplate, pictures, cacheRoot)
			if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created default config: %s\n", configPath)
			fmt.Fprintf(os.Stdout, "created cache directory: %s\n", cacheRoot)
			return nil
		},
	}
}
