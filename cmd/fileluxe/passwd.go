package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"fileluxe/internal/auth"
	"fileluxe/internal/config"
)

func passwdCommand(configPath *string) *cobra.Command {
	var (
		password string
		cost     int
		write    bool
	)
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Hash a master password with bcrypt",
		Long: "Prints a bcrypt hash of the password for MASTER_PASS. With --write the hash " +
			"is stored in the env file of the loaded configuration.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no password given; use -p or pass it on stdin")
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("empty password")
			}
			h, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}
			if !write {
				fmt.Fprintln(cmd.OutOrStdout(), h)
				return nil
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.EnvFile), 0o700); err != nil {
				return fmt.Errorf("create env file dir: %w", err)
			}
			if err := auth.SetEnvValue(cfg.EnvFile, config.EnvKeyMasterPass, h); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s to %s\n", config.EnvKeyMasterPass, cfg.EnvFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password to hash (read from stdin when empty)")
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	cmd.Flags().BoolVar(&write, "write", false, "store the hash as MASTER_PASS in the env file")
	return cmd
}
