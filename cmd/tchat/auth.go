package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/theoremz/tutorchat/pkg/identity"
)

var loginCommand = &cli.Command{
	Name:   "login",
	Usage:  "Sign in with email and password",
	Before: prepareApp,
	Action: cmdLogin,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Usage: "Account email"},
		&cli.BoolFlag{Name: "register", Usage: "Create a new account instead of signing in"},
	},
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Sign out and forget the stored session",
	Before: prepareApp,
	Action: cmdLogout,
}

var whoamiCommand = &cli.Command{
	Name:    "whoami",
	Aliases: []string{"w"},
	Usage:   "Show the signed-in identity and token claims",
	Before:  requiresAuth,
	Action:  cmdWhoami,
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	return strings.TrimSpace(line), err
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	return string(pw), err
}

func cmdLogin(ctx *cli.Context) error {
	email := ctx.String("email")
	if email == "" {
		var err error
		if email, err = readLine("Email: "); err != nil {
			return err
		}
	}
	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}
	if email == "" || password == "" {
		return fmt.Errorf("email and password are required")
	}

	bridge := getBridge(ctx)
	var ident identity.Identity
	if ctx.Bool("register") {
		ident, err = bridge.SignUp(ctx.Context, email, password)
	} else {
		ident, err = bridge.SignIn(ctx.Context, email, password)
	}
	if err != nil {
		return err
	}

	creds := getCredentials(ctx)
	creds.RefreshToken = bridge.RefreshToken()
	creds.UserID = ident.ID
	creds.Email = ident.Email
	if err := creds.Save(); err != nil {
		return err
	}

	if !ident.EmailVerified {
		fmt.Println("Your email is not verified yet; chat access requires verification.")
		if ctx.Bool("register") {
			if err := bridge.SendEmailVerification(ctx.Context); err == nil {
				fmt.Println("A verification email is on its way.")
			}
		}
	}
	fmt.Printf("Signed in as %s (%s)\n", ident.Email, ident.ID)
	return nil
}

func cmdLogout(ctx *cli.Context) error {
	getBridge(ctx).SignOut()
	if err := getCredentials(ctx).Delete(); err != nil {
		return fmt.Errorf("failed to remove stored session: %w", err)
	}
	fmt.Println("Signed out.")
	return nil
}

func cmdWhoami(ctx *cli.Context) error {
	bridge := getBridge(ctx)
	ident, _ := bridge.Current()
	fmt.Printf("User:     %s\n", ident.Email)
	fmt.Printf("ID:       %s\n", ident.ID)
	fmt.Printf("Name:     %s\n", ident.DefaultName())
	fmt.Printf("Verified: %v\n", ident.EmailVerified)

	token, err := bridge.Token(ctx.Context)
	if err != nil {
		return fmt.Errorf("failed to fetch a token: %w", err)
	}
	claims, err := identity.DecodeClaims(token)
	if err != nil {
		return err
	}
	fmt.Printf("Token:    issued %s, expires %s\n",
		claims.IssuedAt.Local().Format("15:04:05"),
		claims.ExpiresAt.Local().Format("15:04:05"))
	return nil
}
