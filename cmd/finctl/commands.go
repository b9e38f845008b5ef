package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	tk "github.com/panyam/tokenkeeper"
	"github.com/panyam/tokenkeeper/client"
)

func (a *app) login(ctx context.Context, args []string) error {
	fs := newFlagSet("login")
	email := fs.String("email", "", "account email")
	password := fs.String("password", os.Getenv("FINCTL_PASSWORD"), "account password (FINCTL_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := a.prompt("Email", *email)
	if err != nil {
		return err
	}
	p, err := a.prompt("Password", *password)
	if err != nil {
		return err
	}
	if err := a.client.Login(ctx, e, p); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "logged in as %s\n", e)
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := newFlagSet("register")
	email := fs.String("email", "", "account email")
	password := fs.String("password", os.Getenv("FINCTL_PASSWORD"), "account password (FINCTL_PASSWORD)")
	first := fs.String("first-name", "", "first name")
	last := fs.String("last-name", "", "last name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := tk.RegisterRequest{FirstName: *first, LastName: *last}
	var err error
	if req.Email, err = a.prompt("Email", *email); err != nil {
		return err
	}
	if req.Password, err = a.prompt("Password", *password); err != nil {
		return err
	}
	resp, err := a.client.Register(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "registered %s (%s) and logged in\n", resp.Email, resp.ID)
	return nil
}

func (a *app) logout(ctx context.Context, args []string) error {
	if err := a.client.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "logged out")
	return nil
}

func (a *app) whoami(ctx context.Context, args []string) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	p, err := a.client.Principal(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s <%s>\n", p.FirstName, p.LastName, p.Email)
	fmt.Fprintf(a.out, "id:      %s\n", p.ID)
	if p.PhoneNumber != nil {
		fmt.Fprintf(a.out, "phone:   %s\n", *p.PhoneNumber)
	}
	fmt.Fprintf(a.out, "since:   %s\n", p.CreatedAt.Format(time.DateOnly))
	return nil
}

func (a *app) sessions(ctx context.Context, args []string) error {
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	views, err := a.client.Sessions().List(ctx)
	if err != nil {
		return err
	}
	a.printSessions(views)
	return nil
}

func (a *app) revoke(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: finctl revoke <session-id>")
	}
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	result, err := a.client.Sessions().Revoke(ctx, args[0])
	if result != nil && result.Current {
		// this device's refresh token is gone, drop the rest locally
		if lerr := a.client.Logout(ctx); lerr != nil {
			return lerr
		}
		fmt.Fprintln(a.out, "revoked this session, logged out")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "revoked %s\n", args[0])
	a.printSessions(result.Sessions)
	return nil
}

func (a *app) printSessions(views []client.SessionView) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tCREATED\tIP\tUSER AGENT")
	for _, v := range views {
		mark := ""
		if v.Current {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mark, v.ID, v.CreatedAt.Format(time.DateTime), v.IPAddress, v.UserAgent)
	}
	tw.Flush()
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := newFlagSet("watch")
	limit := fs.Duration("for", 0, "stop after this long (default: until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireLogin(ctx); err != nil {
		return err
	}
	if *limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *limit)
		defer cancel()
	}

	ended := make(chan struct{}, 1)
	a.client.Observe(func(from, to tk.AuthState) {
		a.logger.Info().Stringer("from", from).Stringer("to", to).Msg("auth state changed")
		if to == tk.StateLoggedOut {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})
	a.client.Start(ctx)
	fmt.Fprintf(a.out, "watching %s, press Ctrl-C to stop\n", a.cfg.ServerURL)

	select {
	case <-ctx.Done():
		return nil
	case <-ended:
		a.client.AcknowledgeLogout()
		return errors.New("session ended, log in again")
	}
}

func (a *app) resetPassword(ctx context.Context, args []string) error {
	fs := newFlagSet("reset-password")
	email := fs.String("email", "", "account email")
	phone := fs.String("phone", "", "phone number that receives the code")
	code := fs.String("code", "", "reset code received by text message")
	newPassword := fs.String("new-password", "", "new password, used with -code")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *code != "" {
		pw, err := a.prompt("New password", *newPassword)
		if err != nil {
			return err
		}
		result, err := a.client.VerifyResetCode(ctx, *code, pw)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, result.Message)
		return nil
	}

	req := tk.PasswordResetRequest{}
	if *email != "" {
		req.Email = email
	}
	if *phone != "" {
		req.PhoneNumber = phone
	}
	result, err := a.client.RequestPasswordReset(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, result.Message)
	return nil
}
