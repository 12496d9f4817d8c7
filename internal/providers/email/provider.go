// Package email delivers outbound mail. Delivery is an external
// collaborator of the login engine; only the Provider interface matters to
// callers.
package email

import "context"

type Provider interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// NoOpProvider swallows mail. It is the fallback when SMTP is not
// configured, and the provider of choice in tests.
type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	return nil
}
