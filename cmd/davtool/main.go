// davtool is the scenedav operator tool.
//
// Usage:
//
//	davtool hash-password [--password P]
//	davtool issue-token --config FILE --user NAME
//	davtool negotiate [--config FILE] [--accept A] [--media-type T] PATH
//	davtool config [--config FILE]
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/badgermind/scenedav/internal/auth"
	"github.com/badgermind/scenedav/internal/config"
	"github.com/badgermind/scenedav/internal/convert"
	"github.com/badgermind/scenedav/internal/mediatype"
	"github.com/badgermind/scenedav/internal/negotiate"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	_ = godotenv.Load()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "hash-password":
		err = hashPassword(args, os.Stdin, os.Stdout)
	case "issue-token":
		err = issueToken(args, os.Stdout)
	case "negotiate":
		err = dryRun(args, os.Stdout)
	case "config":
		err = printConfig(args, os.Stdout)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "davtool: unknown command %q\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "davtool: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: davtool <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  hash-password   print a bcrypt hash for auth.users")
	fmt.Fprintln(w, "  issue-token     sign a bearer token with auth.jwt_secret")
	fmt.Fprintln(w, "  negotiate       show which representation a request would get")
	fmt.Fprintln(w, "  config          print the effective configuration as YAML")
}

func hashPassword(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := pflag.NewFlagSet("hash-password", pflag.ContinueOnError)
	password := fs.StringP("password", "p", "", "password to hash; read from stdin when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pw := *password
	if pw == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		pw = strings.TrimRight(line, "\r\n")
	}

	hash, err := auth.HashPassword(pw)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hash)
	return nil
}

func issueToken(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("issue-token", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to a YAML configuration file")
	user := fs.StringP("user", "u", "", "user name carried by the token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	token, err := auth.New(cfg.AuthOptions()).IssueToken(*user)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func printConfig(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to a YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out, err := config.Effective(*configPath)
	if err != nil {
		return err
	}
	_, err = stdout.Write(out)
	return err
}

func dryRun(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("negotiate", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to a YAML configuration file")
	accept := fs.StringP("accept", "a", "", "Accept header value")
	override := fs.StringP("media-type", "m", "", "media-type query override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("exactly one resource path is required")
	}
	name := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	registry := convert.NewRegistry(convert.DefaultRules(cfg.ConverterBinaries())...)
	return describe(stdout, registry, name, *accept, *override)
}

func describe(w io.Writer, registry *convert.Registry, name, accept, override string) error {
	intrinsic, ok := mediatype.Classify(name)
	if !ok {
		fmt.Fprintf(w, "%s: unclassified, served verbatim without negotiation\n", name)
		return nil
	}

	var list negotiate.AcceptList
	if strings.TrimSpace(accept) != "" {
		list = negotiate.ParseAccept(accept)
	}
	fmt.Fprintf(w, "intrinsic:  %s\n", intrinsic)
	fmt.Fprintf(w, "accept:     %s\n", list.Sorted())
	fmt.Fprintf(w, "targets:    %s\n", strings.Join(registry.Targets(intrinsic), ", "))

	result, err := negotiate.Negotiate(registry, negotiate.Request{
		Intrinsic: intrinsic,
		Override:  override,
		Accept:    list,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "selected:   %s (q=%g)\n", result.MediaType, result.Quality)
	fmt.Fprintf(w, "action:     %s\n", describeAction(result.Action))
	return nil
}

func describeAction(a convert.Action) string {
	switch a := a.(type) {
	case convert.Passthrough:
		return "passthrough"
	case convert.ExternalProcess:
		return strings.TrimSpace("run " + a.Command + " " + strings.Join(a.Args, " "))
	case convert.InternalHandler:
		return "render " + string(a.Name)
	default:
		return convert.Kind(a)
	}
}
