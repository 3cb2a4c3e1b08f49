package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/registry"
	"github.com/roostlabs/roost/pkg/store"
)

var enrollTokenCmd = &cobra.Command{
	Use:   "enroll-token",
	Short: "Mint a scoped enrollment token for a device alias",
	Long: `Creates an enrollment token bound to one alias. The token secret is
printed exactly once; hand it to the device installer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		alias, _ := cmd.Flags().GetString("alias")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		uses, _ := cmd.Flags().GetInt("uses")
		return runEnrollToken(configPath, alias, ttl, uses)
	},
}

func init() {
	enrollTokenCmd.Flags().String("config", "", "path to config file (YAML)")
	enrollTokenCmd.Flags().String("alias", "", "device alias the token is scoped to")
	enrollTokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	enrollTokenCmd.Flags().Int("uses", 1, "registrations the token may consume")
	enrollTokenCmd.MarkFlagRequired("alias")
}

func runEnrollToken(configPath, alias string, ttl time.Duration, uses int) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reg := registry.NewRegistry(st, events.NewQueue(1, nil), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grant, err := reg.CreateEnrollmentToken(ctx, alias, ttl, uses)
	if err != nil {
		return err
	}

	fmt.Printf("Enrollment token created for alias %q\n", alias)
	fmt.Printf("  Token ID: %s\n", grant.TokenID)
	fmt.Printf("  Token:    %s\n", grant.Secret)
	fmt.Printf("  Expires:  %s\n", time.Now().UTC().Add(ttl).Format(time.RFC3339))
	fmt.Println()
	fmt.Println("The token is shown once and cannot be recovered.")
	return nil
}
