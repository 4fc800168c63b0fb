package main

import (
	"os"

	"p2d/internal/core/domain"
	"p2d/pkg/validation"

	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join <code>",
	Short: "Join a room by its code",
	Long: `Join a room by the six character code the host shared.

Examples:
  p2d join K7MP2Q
  p2d join k7mp2q --name Sam`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code := string(domain.NormalizeRoomCode(args[0]))
		if err := validation.ValidateRoomCode(code); err != nil {
			return err
		}
		return runSession(sessionOptions{joinCode: code}, os.Stdin, cmd.OutOrStdout())
	},
}
