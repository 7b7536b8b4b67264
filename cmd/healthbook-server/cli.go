package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthbook/healthbook/internal/bootstrap"
	"github.com/healthbook/healthbook/internal/config"
	"github.com/healthbook/healthbook/internal/domain/account"
	"github.com/healthbook/healthbook/internal/platform/auth"
	"github.com/healthbook/healthbook/pkg/client"
)

// cliEnv is what the local commands operate on: the configured store and,
// when --server is given, a running API server.
type cliEnv struct {
	cfg    *config.Config
	stores *stores
	api    *client.Client
	out    io.Writer
	logger zerolog.Logger
}

func withEnv(cmd *cobra.Command, fn func(ctx context.Context, env *cliEnv) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := checkCLIBackend(cfg); err != nil {
		return err
	}
	// The CLI logs only problems; results go to stdout.
	logger := newLogger(cfg).Level(zerolog.WarnLevel)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStores(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	env := &cliEnv{cfg: cfg, stores: st, out: cmd.OutOrStdout(), logger: logger}
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		env.api = client.New(server)
	}
	return fn(ctx, env)
}

// checkCLIBackend rejects the memory backend. Every CLI invocation is a
// separate process, so the remembered session and any local writes would be
// gone before the next command runs.
func checkCLIBackend(cfg *config.Config) error {
	if cfg.StoreBackend == config.BackendMemory {
		return fmt.Errorf("STORE_BACKEND %q does not survive between commands; use file, sqlite, postgres or redis (for example STORE_BACKEND=%s STORE_PATH=%s)",
			cfg.StoreBackend, config.BackendFile, "./data")
	}
	return nil
}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "Base URL of a running healthbook server; the local store is used when empty")
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Reset the store to the bootstrap dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, runSeed)
		},
	}
}

func runSeed(ctx context.Context, env *cliEnv) error {
	ds, err := bootstrap.Default()
	if err != nil {
		return err
	}
	if err := env.stores.records.Reset(ctx, ds.Patients); err != nil {
		return err
	}
	accounts := account.NewStore(env.stores.backend, auth.NewPasswordHasher(auth.Argon2Params{
		Memory:     env.cfg.Argon2MemoryKiB,
		Iterations: env.cfg.Argon2Iterations,
	}), account.WithSeed(ds.Accounts), account.WithLogger(env.logger))
	if err := accounts.Reset(ctx); err != nil {
		return err
	}
	if err := env.stores.sessions.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintf(env.out, "Seeded %d patient records and %d accounts.\n", len(ds.Patients), len(ds.Accounts))
	return nil
}

func loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and remember the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, env *cliEnv) error {
				return runLogin(ctx, env, email, password)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	addServerFlag(cmd)
	return cmd
}

func (env *cliEnv) accountService() (*account.Service, error) {
	tokens, err := auth.NewTokens([]byte(env.cfg.SigningKey), env.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	return account.NewService(env.stores.accounts, tokens, env.logger), nil
}

func runLogin(ctx context.Context, env *cliEnv, email, password string) error {
	var (
		res account.LoginResult
		err error
	)
	if env.api != nil {
		res, err = env.api.Login(ctx, email, password)
	} else {
		var svc *account.Service
		if svc, err = env.accountService(); err == nil {
			res, err = svc.Login(ctx, email, password)
		}
	}
	if err != nil {
		return err
	}

	sess := account.Session{Identity: res.Identity, Token: res.Token, ExpiresAt: res.ExpiresAt}
	if err := env.stores.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	fmt.Fprintf(env.out, "Logged in as %s (%s).\n", res.Identity.DisplayName(), res.Identity.Role)
	return nil
}

func whoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the remembered session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, runWhoami)
		},
	}
	addServerFlag(cmd)
	return cmd
}

func runWhoami(ctx context.Context, env *cliEnv) error {
	sess, err := env.stores.sessions.Current(ctx)
	if errors.Is(err, account.ErrNoSession) {
		fmt.Fprintln(env.out, "Not logged in.")
		return nil
	}
	if err != nil {
		return err
	}

	ident := sess.Identity
	if env.api != nil {
		env.api.SetToken(sess.Token)
		if ident, err = env.api.Me(ctx); err != nil {
			return fmt.Errorf("verify session: %w", err)
		}
	}
	fmt.Fprintf(env.out, "%s <%s>\nrole: %s\nid: %s\nsession expires: %s\n",
		ident.DisplayName(), ident.Email, ident.Role, ident.ID, sess.ExpiresAt.Format("2006-01-02 15:04"))
	return nil
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the remembered session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, runLogout)
		},
	}
}

func runLogout(ctx context.Context, env *cliEnv) error {
	if err := env.stores.sessions.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(env.out, "Logged out.")
	return nil
}

func registerCmd() *cobra.Command {
	var in client.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a patient account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, env *cliEnv) error {
				return runRegister(ctx, env, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "Account email")
	cmd.Flags().StringVar(&in.GivenName, "given", "", "Given name")
	cmd.Flags().StringVar(&in.FamilyName, "family", "", "Family name")
	cmd.Flags().StringVar(&in.DateOfBirth, "dob", "", "Date of birth, YYYY-MM-DD")
	cmd.Flags().StringVar(&in.Password, "password", "", "Account password")
	for _, name := range []string{"email", "given", "family", "dob", "password"} {
		_ = cmd.MarkFlagRequired(name)
	}
	addServerFlag(cmd)
	return cmd
}

func runRegister(ctx context.Context, env *cliEnv, in client.RegisterRequest) error {
	var (
		ident account.Identity
		err   error
	)
	if env.api != nil {
		ident, err = env.api.Register(ctx, in)
	} else {
		var svc *account.Service
		if svc, err = env.accountService(); err == nil {
			ident, err = svc.Register(ctx, account.RegisterInput{
				Email:       in.Email,
				GivenName:   in.GivenName,
				FamilyName:  in.FamilyName,
				DateOfBirth: in.DateOfBirth,
			}, in.Password)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "Registered %s with patient record %s.\n", ident.Email, ident.ID)
	return nil
}
