package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"execengine/config"
	"execengine/internal/credential"
)

var totpCmd = &cobra.Command{
	Use:   "totp",
	Short: "Print the current TOTP code and how long it stays valid",
	RunE:  runTOTP,
}

func init() {
	rootCmd.AddCommand(totpCmd)
}

func runTOTP(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.AngelTOTPSecret == "" {
		return fmt.Errorf("ANGEL_TOTP_SECRET not set")
	}

	now := time.Now()
	code, err := credential.CurrentCode(cfg.AngelTOTPSecret, now)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (valid %ds)\n", code, int(credential.Remaining(now).Seconds()))
	return nil
}
