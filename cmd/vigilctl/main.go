package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/migrations"
	pkgauth "github.com/cdmorrow/vigil/pkg/auth"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "vigilctl",
		Short:         "Operator tooling for the vigil MFA service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(keygenCmd(), totpCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// keygen mints a 256-bit key for the MFA master key ring or the JWT secret.
func keygenCmd() *cobra.Command {
	var version uint32

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a base64 256-bit key for MFA_MASTER_KEYS or JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := pkgauth.GenerateMasterKey()
			if err != nil {
				return err
			}
			if version > 0 {
				fmt.Printf("%d:%s\n", version, key)
				return nil
			}
			fmt.Println(key)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&version, "version", 0, "emit as version:key, ready for MFA_MASTER_KEYS")

	return cmd
}

// totp computes a code for a base32 secret. Debugging aid for clock skew
// reports: compare what the service would accept against what the user's
// authenticator shows.
func totpCmd() *cobra.Command {
	var (
		secret    string
		algorithm string
		at        string
	)

	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Compute the TOTP code for a base32 secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("TOTP_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret is required (or set TOTP_SECRET)")
			}

			codec, err := auth.NewTOTPCodec(auth.TOTPAlgorithm(strings.ToUpper(algorithm)))
			if err != nil {
				return err
			}

			t := time.Now()
			if at != "" {
				t, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
			}

			code, err := codec.Code(secret, t)
			if err != nil {
				return err
			}
			fmt.Println(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "base32 TOTP secret (env TOTP_SECRET)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "SHA1", "HMAC algorithm: SHA1|SHA256")
	cmd.Flags().StringVar(&at, "at", "", "compute for this RFC3339 instant instead of now")

	return cmd
}

// migrate applies the embedded goose migrations against DATABASE_URL.
func migrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:       "migrate {up|down|status}",
		Short:     "Run schema migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = os.Getenv("DATABASE_URL")
			}
			if dsn == "" {
				return fmt.Errorf("--dsn is required (or set DATABASE_URL)")
			}

			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			goose.SetBaseFS(migrations.FS)
			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}

			ctx := cmd.Context()
			switch args[0] {
			case "up":
				return goose.UpContext(ctx, db, ".")
			case "down":
				return goose.DownContext(ctx, db, ".")
			case "status":
				return goose.StatusContext(ctx, db, ".")
			default:
				return fmt.Errorf("unknown direction %q", args[0])
			}
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres connection string (env DATABASE_URL)")

	return cmd
}
