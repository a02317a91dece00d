// Command securehubctl bootstraps a SecureHub deployment and talks to its API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// dsnEnv is read when --dsn is not given.
const dsnEnv = "SECUREHUB_DSN"

// errUsage makes run print the usage text and exit with 2.
var errUsage = errors.New("usage")

// cli carries the process streams so commands can be tested.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
}

func (c *cli) usage() {
	fmt.Fprint(c.stderr, `securehubctl
Usage:
  securehubctl <cmd> [flags]

Bootstrap (direct database access, --dsn or $SECUREHUB_DSN):
  migrate
  create-admin   -u <username> [-p <password> | --password-stdin]
  hash-password  [-p <password> | --password-stdin]
  totp-code      --secret <base32>

API client (--addr, token saved under $XDG_CONFIG_HOME/securehub):
  login          -u <username> [-p <password> | --password-stdin] [--otp <code>]
  logout
  whoami
  docs           [--page N] [--size N]
  upload         --file <pdf> [--watermark-text T] [--font-size N] [--opacity F]
  download       --id <doc> [-o <file>|-]
  grant|revoke   --id <doc> (--user <id> | --group <id>)

  version
`)
}

func (c *cli) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// parse reports a bad command line as errUsage.
func (c *cli) parse(fs *pflag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return err
	}
	return fmt.Errorf("%w: %v", errUsage, err)
}

// password returns -p, or the first stdin line when --password-stdin is set.
func (c *cli) password(p string, fromStdin bool) (string, error) {
	if !fromStdin {
		return p, nil
	}
	line, err := bufio.NewReader(c.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *cli) printJSON(v any) {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// run dispatches one subcommand and returns the process exit code.
func (c *cli) run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		c.usage()
		return 2
	}
	cmd, rest := args[0], args[1:]

	var err error
	switch cmd {
	case "version":
		fmt.Fprintf(c.stdout, "securehubctl %s (%s)\n", version, buildDate)
	case "migrate":
		err = c.cmdMigrate(ctx, rest)
	case "create-admin":
		err = c.cmdCreateAdmin(ctx, rest)
	case "hash-password":
		err = c.cmdHashPassword(rest)
	case "totp-code":
		err = c.cmdTOTPCode(rest)
	case "login":
		err = c.cmdLogin(ctx, rest)
	case "logout":
		err = c.cmdLogout(ctx, rest)
	case "whoami":
		err = c.cmdWhoami(ctx, rest)
	case "docs":
		err = c.cmdDocs(ctx, rest)
	case "upload":
		err = c.cmdUpload(ctx, rest)
	case "download":
		err = c.cmdDownload(ctx, rest)
	case "grant", "revoke":
		err = c.cmdAccess(ctx, cmd, rest)
	case "help", "-h", "--help":
		c.usage()
		return 0
	default:
		err = errUsage
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, pflag.ErrHelp):
		c.usage()
		return 2
	default:
		fmt.Fprintln(c.stderr, err)
		return 1
	}
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	c := &cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr, getenv: os.Getenv}
	code := c.run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
