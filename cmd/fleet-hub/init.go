// ABOUTME: init command: writes a commented starter config file
// ABOUTME: Optionally generates a random JWT secret in place of the env reference

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fleet-hub/internal/config"
)

const jwtSecretRef = "${FLEET_JWT_SECRET}"

func newInitCmd() *cobra.Command {
	var force, withSecret bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(getConfigPath(), force, withSecret)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&withSecret, "generate-secret", false, "write a random jwt_secret instead of ${FLEET_JWT_SECRET}")
	return cmd
}

func runInit(path string, force, withSecret bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	content := config.Template
	if withSecret {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		content = strings.Replace(content, jwtSecretRef, secret, 1)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", path)
	if !withSecret {
		color.New(color.FgYellow).Println("  Auth is off until FLEET_JWT_SECRET is set (32+ bytes).")
	}
	fmt.Println()
	fmt.Println("  To start the hub:")
	fmt.Println("    fleet-hub serve")
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
