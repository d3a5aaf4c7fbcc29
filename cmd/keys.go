package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"relay-backend/guard"
	"relay-backend/keys"
	"relay-backend/models"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage accounts, provider profiles and API keys",
}

// withKeys opens the store and runs fn against a key service.
func withKeys(cmd *cobra.Command, fn func(svc *keys.Service) (any, error)) error {
	s, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	hasher, err := guard.NewHasher(cfg.Security.ServerSecret)
	if err != nil {
		return err
	}
	out, err := fn(keys.NewService(s, hasher, cfg.Security.RotationGrace))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var createAccountCmd = &cobra.Command{
	Use:   "create-account <name> <email>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeys(cmd, func(svc *keys.Service) (any, error) {
			return svc.CreateAccount(cmd.Context(), args[0], args[1])
		})
	},
}

var createProfileCmd = &cobra.Command{
	Use:   "create-profile <account-id> <handle>",
	Short: "Create a provider profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("display-name")
		channel, _ := cmd.Flags().GetString("channel")
		return withKeys(cmd, func(svc *keys.Service) (any, error) {
			return svc.CreateProfile(cmd.Context(), args[0], args[1], name, channel)
		})
	},
}

var createKeyCmd = &cobra.Command{
	Use:   "create <account-id>",
	Short: "Issue an API key; the secret is printed once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := keys.CreateInput{AccountID: args[0]}
		in.Name, _ = cmd.Flags().GetString("name")
		scope, _ := cmd.Flags().GetString("scope")
		in.Scope = models.Scope(scope)
		in.RateLimit, _ = cmd.Flags().GetInt("rate-limit")
		if profile, _ := cmd.Flags().GetString("profile"); profile != "" {
			in.ProfileID = &profile
		}
		return withKeys(cmd, func(svc *keys.Service) (any, error) {
			return svc.Create(cmd.Context(), in)
		})
	},
}

var listKeysCmd = &cobra.Command{
	Use:   "list [account-id]",
	Short: "List API keys",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account := ""
		if len(args) == 1 {
			account = args[0]
		}
		return withKeys(cmd, func(svc *keys.Service) (any, error) {
			return svc.List(cmd.Context(), account)
		})
	},
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate <key-id>",
	Short: "Rotate a key; the old secret keeps working for the grace period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grace, _ := cmd.Flags().GetDuration("grace")
		return withKeys(cmd, func(svc *keys.Service) (any, error) {
			return svc.Rotate(cmd.Context(), "", args[0], grace)
		})
	},
}

var deactivateKeyCmd = &cobra.Command{
	Use:   "deactivate <key-id>",
	Short: "Deactivate a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeys(cmd, func(svc *keys.Service) (any, error) {
			return svc.Deactivate(cmd.Context(), "", args[0])
		})
	},
}

var deviceKeyCmd = &cobra.Command{
	Use:   "device <key-id>",
	Short: "Bind the key to a new device token; the token is printed once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeys(cmd, func(svc *keys.Service) (any, error) {
			token, err := svc.SetDeviceSecret(cmd.Context(), "", args[0])
			if err != nil {
				return nil, err
			}
			return map[string]string{"device_token": token}, nil
		})
	},
}

var listIPsCmd = &cobra.Command{
	Use:   "list-ips <key-id>",
	Short: "List IP reputation records for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeys(cmd, func(svc *keys.Service) (any, error) {
			return svc.ListIPs(cmd.Context(), "", args[0])
		})
	},
}

var approveIPCmd = &cobra.Command{
	Use:   "approve-ip <key-id> <ip>",
	Short: "Allow a pending or blacklisted IP for a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeys(cmd, func(svc *keys.Service) (any, error) {
			if err := svc.ApproveIP(cmd.Context(), "", args[0], args[1]); err != nil {
				return nil, err
			}
			return map[string]string{"ip": args[1], "status": string(models.IpAllowed)}, nil
		})
	},
}

func init() {
	createProfileCmd.Flags().String("display-name", "", "name shown to consumers")
	createProfileCmd.Flags().String("channel", models.ChannelWeb, "notification channel (web, slack, telegram, email)")

	createKeyCmd.Flags().String("name", "", "key label")
	createKeyCmd.Flags().String("scope", string(models.ScopeWrite), "scope (read, write, full, admin)")
	createKeyCmd.Flags().Int("rate-limit", keys.DefaultRateLimit, "requests per minute")
	createKeyCmd.Flags().String("profile", "", "provider profile id; makes this a provider key")

	rotateKeyCmd.Flags().Duration("grace", 24*time.Hour, "how long the old secret stays valid")

	keysCmd.AddCommand(createAccountCmd, createProfileCmd, createKeyCmd, listKeysCmd,
		rotateKeyCmd, deactivateKeyCmd, deviceKeyCmd, listIPsCmd, approveIPCmd)
	rootCmd.AddCommand(keysCmd)
}
