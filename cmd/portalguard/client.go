package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/internal/config"
	"github.com/MrEthical07/portalguard/tokenstore"
)

var errNotLoggedIn = errors.New("not logged in; run `portalguard login`")

// portalClient talks to a running server and keeps the credential in a
// local file between invocations.
type portalClient struct {
	baseURL string
	hc      *http.Client
	store   tokenstore.Store
}

func newPortalClient(cfg *config.File) *portalClient {
	return &portalClient{
		baseURL: strings.TrimRight(cfg.Client.BaseURL, "/"),
		hc:      &http.Client{Timeout: 10 * time.Second},
		store:   tokenstore.NewFileStore(cfg.Client.CredentialFile),
	}
}

type apiError struct {
	Status int
	Code   string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d (%s)", e.Status, e.Code)
}

type credentialPayload struct {
	Session    *portalguard.Session   `json:"session"`
	Credential portalguard.Credential `json:"credential"`
	Refreshed  bool                   `json:"refreshed"`
}

type sessionPayload struct {
	Authenticated bool                 `json:"authenticated"`
	Session       *portalguard.Session `json:"session"`
	Reason        string               `json:"reason"`
}

func (c *portalClient) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("contact %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *portalClient) login(ctx context.Context, email, pass string) (*credentialPayload, error) {
	var out credentialPayload
	err := c.do(ctx, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": pass}, &out)
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(out.Credential); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	return &out, nil
}

// session reports the current session, refreshing once when the stored
// access token has been rejected and a refresh token is available.
func (c *portalClient) session(ctx context.Context) (*sessionPayload, error) {
	cred, err := c.store.Load()
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil, errNotLoggedIn
	}
	if err != nil {
		return nil, err
	}

	var out sessionPayload
	err = c.do(ctx, http.MethodGet, "/auth/session", cred.AccessToken, nil, &out)
	var apiErr *apiError
	if err == nil || !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || cred.RefreshToken == "" {
		return &out, err
	}

	var refreshed credentialPayload
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": cred.RefreshToken}, &refreshed); err != nil {
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			_ = c.store.Clear()
			return nil, errNotLoggedIn
		}
		return nil, err
	}
	if !refreshed.Refreshed {
		return nil, errors.New("refresh did not complete in time; try again")
	}
	if err := c.store.Save(refreshed.Credential); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	err = c.do(ctx, http.MethodGet, "/auth/session", refreshed.Credential.AccessToken, nil, &out)
	return &out, err
}

func (c *portalClient) logout(ctx context.Context) error {
	cred, err := c.store.Load()
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cred.RefreshToken != "" {
		err = c.do(ctx, http.MethodPost, "/auth/logout", "", map[string]string{"refresh_token": cred.RefreshToken}, nil)
	}
	if clearErr := c.store.Clear(); clearErr != nil {
		return clearErr
	}
	return err
}

func loginCmd(flags *globalFlags) *cobra.Command {
	var email, pass string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to a running server and store the credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if email == "" {
				if email, err = promptLine("Email: "); err != nil {
					return err
				}
			}
			if pass == "" {
				if pass, err = promptLine("Password: "); err != nil {
					return err
				}
			}

			res, err := newPortalClient(cfg).login(cmd.Context(), email, pass)
			if err != nil {
				return err
			}
			success("signed in as %s", res.Session.Email)
			field("role", res.Session.Role)
			field("expires", res.Credential.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&pass, "password", "", "password (prompted when empty)")
	return cmd
}

func logoutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the stored refresh session and forget the credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if err := newPortalClient(cfg).logout(cmd.Context()); err != nil {
				warn("server logout failed: %v", err)
			}
			success("credential removed")
			return nil
		},
	}
}

func whoamiCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the session held by the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out, err := newPortalClient(cfg).session(cmd.Context())
			if err != nil {
				return err
			}
			if !out.Authenticated || out.Session == nil {
				color.Yellow("not authenticated (%s)\n", out.Reason)
				return nil
			}
			field("user", out.Session.UserID)
			field("email", out.Session.Email)
			field("role", out.Session.Role)
			field("expires", out.Session.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}
