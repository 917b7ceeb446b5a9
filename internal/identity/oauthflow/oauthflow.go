// Package oauthflow builds the redirect-based provider (social) sign-in.
// It only produces the authorize URL and exchanges the callback code; the
// resulting provider token is handed to the identity source, which owns the
// actual session.
package oauthflow

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// Config identifies one upstream OAuth provider.
type Config struct {
	Provider     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

// Flow wraps oauth2.Config for a single provider.
type Flow struct {
	provider string
	cfg      oauth2.Config
}

func New(cfg Config) *Flow {
	return &Flow{
		provider: cfg.Provider,
		cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
	}
}

// Provider returns the provider name this flow was built for.
func (f *Flow) Provider() string { return f.provider }

// AuthURL returns the provider authorize URL carrying the given CSRF state.
func (f *Flow) AuthURL(state string) string {
	return f.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the callback code for the provider's token set. The ID
// token (when present) is what the identity source accepts for sign-in.
func (f *Flow) Exchange(ctx context.Context, code string) (idToken string, err error) {
	tok, err := f.cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code with %s: %w", f.provider, err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("%s token response carried no id_token", f.provider)
	}
	return raw, nil
}
