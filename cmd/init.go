package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/AfterWorld/MerryGo/merrygo"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader reads a password without echoing it. Swapped out in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin API credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable MG_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable MG_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := merrygo.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		var credentials int64
		if err = db.WithContext(ctx).Model(&merrygo.AdminCredential{}).Count(&credentials).Error; err != nil {
			log.Fatalf("Error retrieving admin credentials: %v", err)
		}

		out := cmd.OutOrStdout()
		if credentials > 0 {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

			reader := bufio.NewReader(os.Stdin)

			var username string
			for username == "" {
				fmt.Fprint(out, "Enter admin username: ")
				line, readErr := reader.ReadString('\n')
				username = strings.TrimSpace(line)
				if readErr != nil && username == "" {
					log.Fatalf("Error reading username: %v", readErr)
				}
			}

			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}

			var password string
			for {
				fmt.Fprint(out, "Enter admin password: ")
				passwordBytes, _ := customPasswordReader()
				password = string(passwordBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin password: ")
				confirmPasswordBytes, _ := customPasswordReader()
				fmt.Fprintln(out)

				if password == "" {
					fmt.Fprintln(out, "Password cannot be empty. Please try again.")
					continue
				}
				if password == string(confirmPasswordBytes) {
					break
				}
				fmt.Fprintln(out, "Passwords do not match. Please try again.")
			}

			if err = merrygo.SetAdminCredential(ctx, db, username, password); err != nil {
				log.Fatalf("Error setting admin credentials: %v", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
