package pipeline

import (
	"context"

	"golang.org/x/oauth2"

	apperrors "github.com/spec-kit/journal-tracker/pkg/util"
)

type tokenSource struct {
	ctx     context.Context
	session Session
}

// NewTokenSource exposes the session credential to oauth2-aware clients.
// A credential inside its safety margin is refreshed before being handed out.
func NewTokenSource(ctx context.Context, session Session) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, session: session}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	cred := ts.session.ValidCredential()
	if cred == nil {
		if ts.session.CurrentCredential(ts.ctx) == nil {
			return nil, apperrors.NewAuthError(apperrors.KindCredentialInvalid, "token source", 0, nil)
		}
		fresh, err := ts.session.EnsureFresh(ts.ctx)
		if err != nil {
			return nil, err
		}
		cred = fresh
	}
	return &oauth2.Token{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt,
	}, nil
}
