// Package google sends meeting follow-ups through Gmail and Google Calendar.
package google

import (
	"context"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// Google's OAuth endpoints.
const (
	AuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	TokenURL = "https://oauth2.googleapis.com/token"
)

// Scopes meetpipe requests.
var Scopes = []string{
	gmail.GmailComposeScope,
	gmail.GmailSendScope,
	calendar.CalendarEventsScope,
}

// Credentials is an installed-app OAuth client plus a long-lived refresh token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// TokenURL overrides the token endpoint.
	TokenURL string
}

// Validate reports missing fields as a configuration error.
func (c Credentials) Validate() error {
	switch {
	case c.ClientID == "":
		return mperrors.Configuration("google client id is not set")
	case c.ClientSecret == "":
		return mperrors.Configuration("google client secret is not set")
	case c.RefreshToken == "":
		return mperrors.Configuration("google refresh token is not set")
	}
	return nil
}

// OAuthConfig returns the oauth2 client configuration.
func (c Credentials) OAuthConfig() *oauth2.Config {
	tokenURL := c.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: AuthURL, TokenURL: tokenURL},
		Scopes:       Scopes,
	}
}

// TokenSource refreshes access tokens from the stored refresh token.
func (c Credentials) TokenSource(ctx context.Context) oauth2.TokenSource {
	return c.OAuthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken})
}

// NewGmailService creates a Gmail client.
func NewGmailService(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*gmail.Service, error) {
	return gmail.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
}

// NewCalendarService creates a Calendar client.
func NewCalendarService(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*calendar.Service, error) {
	return calendar.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
}
