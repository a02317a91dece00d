package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgcrypto "github.com/and161185/securehub/internal/crypto"
	"github.com/and161185/securehub/internal/migrate"
	"github.com/and161185/securehub/internal/repository"
	"github.com/and161185/securehub/internal/repository/postgres"
	"github.com/and161185/securehub/internal/service"
	"github.com/and161185/securehub/internal/totp"
)

// openRepos connects to PostgreSQL. Tests swap it for the in-memory store.
var openRepos = func(ctx context.Context, dsn string) (repository.UserRepository, repository.GroupRepository, repository.RefreshTokenRepository, func(), error) {
	db, err := postgres.New(ctx, dsn)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return postgres.NewUserRepo(db), postgres.NewGroupRepo(db), postgres.NewRefreshTokenRepo(db), db.Close, nil
}

// runMigrations is migrate.Up; tests replace it.
var runMigrations = migrate.Up

func (c *cli) dsn(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := c.getenv(dsnEnv); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("--dsn or $%s is required", dsnEnv)
}

func (c *cli) cmdMigrate(ctx context.Context, args []string) error {
	fs := c.flags("migrate")
	dsnFlag := fs.String("dsn", "", "PostgreSQL DSN")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	dsn, err := c.dsn(*dsnFlag)
	if err != nil {
		return err
	}
	v, err := runMigrations(ctx, dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "schema at version %d\n", v)
	return nil
}

func (c *cli) cmdCreateAdmin(ctx context.Context, args []string) error {
	fs := c.flags("create-admin")
	dsnFlag := fs.String("dsn", "", "PostgreSQL DSN")
	user := fs.StringP("username", "u", "", "admin username")
	pass := fs.StringP("password", "p", "", "admin password")
	stdin := fs.Bool("password-stdin", false, "read the password from stdin")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	pw, err := c.password(*pass, *stdin)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" || pw == "" {
		return errors.New("need -u and a password")
	}
	dsn, err := c.dsn(*dsnFlag)
	if err != nil {
		return err
	}

	users, groups, refresh, closeDB, err := openRepos(ctx, dsn)
	if err != nil {
		return err
	}
	defer closeDB()

	dir := service.NewDirectoryService(users, groups, refresh, nil, nil, time.Now)
	u, err := dir.Bootstrap(ctx, *user, pw)
	if err != nil {
		return fmt.Errorf("create admin %q: %w", *user, err)
	}
	fmt.Fprintln(c.stdout, u.ID)
	return nil
}

func (c *cli) cmdHashPassword(args []string) error {
	fs := c.flags("hash-password")
	pass := fs.StringP("password", "p", "", "password to hash")
	stdin := fs.Bool("password-stdin", false, "read the password from stdin")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	pw, err := c.password(*pass, *stdin)
	if err != nil {
		return err
	}
	if pw == "" {
		return errors.New("empty password")
	}
	h, err := pkgcrypto.HashPassword(pw)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, h)
	return nil
}

func (c *cli) cmdTOTPCode(args []string) error {
	fs := c.flags("totp-code")
	secret := fs.String("secret", "", "base32 TOTP secret")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("need --secret")
	}
	code, err := totp.New("", time.Now).CodeAt(*secret, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, code)
	return nil
}
