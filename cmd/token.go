package cmd

import (
	"fmt"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal/auth"
	"github.com/alapierre/go-fiscal-engine/fiscal/util"
	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenNick string
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		role := auth.Role(tokenRole)
		if !role.Valid() {
			return errors.Errorf("unknown role %q", tokenRole)
		}
		secret := cfg.Auth.JWTSecret
		if secret == "" {
			var err error
			if secret, err = util.RequireEnv("FISCAL_JWT_SECRET"); err != nil {
				return errors.Wrap(err, "auth.jwt_secret is empty")
			}
		}

		tok, err := auth.NewIssuer(secret, tokenTTL).Issue(auth.Principal{
			UserID: tokenUser,
			Nick:   tokenNick,
			Role:   role,
		})
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id placed in the token subject")
	tokenCmd.Flags().StringVar(&tokenNick, "nick", "", "display name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(auth.RoleEmployee), "master, admin, employee or client")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
