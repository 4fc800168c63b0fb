package main

import (
	"fmt"

	"p2d/internal/core/ports"
	"p2d/internal/infrastructure/repositories/file"
	"p2d/pkg/utils"
	"p2d/pkg/validation"

	"github.com/spf13/cobra"
)

var (
	flagSetSignalURL string
	flagSetTURNURL   string
	flagSetTURNUser  string
	flagSetTURNPass  string
	flagSetName      string
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change saved client settings",
	Long: `Show the saved settings, or update them with flags.

Examples:
  p2d settings
  p2d settings --set-signal wss://signal.example.com
  p2d settings --set-turn turn:turn.example.com:3478 --set-turn-user me --set-turn-pass secret`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSettings()
		if err != nil {
			return err
		}
		settings, err := store.Load()
		if err != nil {
			return err
		}

		changed := applySettingFlags(cmd, settings)
		if cmd.Flags().Changed("set-signal") {
			if err := validation.ValidateSignalingURL(settings.SignalingURL); err != nil {
				return fmt.Errorf("signaling url: %w", err)
			}
		}
		if changed {
			if err := store.Save(settings); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "signaling url:   %s\n", settings.SignalingURL)
		fmt.Fprintf(out, "display name:    %s\n", settings.DisplayName)
		fmt.Fprintf(out, "turn url:        %s\n", settings.TURNURL)
		fmt.Fprintf(out, "turn username:   %s\n", settings.TURNUsername)
		fmt.Fprintf(out, "turn credential: %s\n", utils.MaskSensitive(settings.TURNCredential, 2))
		if changed {
			fmt.Fprintln(out, "saved")
		}
		return nil
	},
}

func init() {
	f := settingsCmd.Flags()
	f.StringVar(&flagSetSignalURL, "set-signal", "", "save the signaling relay URL")
	f.StringVar(&flagSetTURNURL, "set-turn", "", "save a TURN server URL")
	f.StringVar(&flagSetTURNUser, "set-turn-user", "", "save the TURN username")
	f.StringVar(&flagSetTURNPass, "set-turn-pass", "", "save the TURN credential")
	f.StringVar(&flagSetName, "set-name", "", "save the default display name")
}

func openSettings() (ports.SettingsStore, error) {
	path := flagSettings
	if path == "" {
		var err error
		if path, err = file.DefaultSettingsPath(); err != nil {
			return nil, err
		}
	}
	return file.NewSettingsRepository(path), nil
}

// applySettingFlags copies explicitly set flags onto s and reports whether
// anything changed.
func applySettingFlags(cmd *cobra.Command, s *ports.Settings) bool {
	changed := false
	set := func(flag string, dst *string, value string) {
		if cmd.Flags().Changed(flag) && *dst != value {
			*dst = value
			changed = true
		}
	}
	set("set-signal", &s.SignalingURL, flagSetSignalURL)
	set("set-turn", &s.TURNURL, flagSetTURNURL)
	set("set-turn-user", &s.TURNUsername, flagSetTURNUser)
	set("set-turn-pass", &s.TURNCredential, flagSetTURNPass)
	set("set-name", &s.DisplayName, flagSetName)
	return changed
}
