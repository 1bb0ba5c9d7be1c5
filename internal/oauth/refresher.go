package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/maumercado/credqueue/internal/config"
	"github.com/maumercado/credqueue/internal/coordinator"
	"github.com/maumercado/credqueue/internal/logger"
)

// ErrTokenEndpointUnreachable wraps any error returned by the token
// endpoint exchange, giving callers a stable sentinel to check against.
var ErrTokenEndpointUnreachable = errors.New("oauth: token endpoint unreachable")

// Refresher exchanges client credentials for a new Token. It implements
// coordinator.RefreshFunc[Token] via its Refresh method.
type Refresher struct {
	cfg    *clientcredentials.Config
	client *http.Client
}

// NewRefresher builds a Refresher from the service's OAuth configuration.
// The retry client mirrors the resilience pattern
// eshaffer321-monarchmoney-go's transport package applies to its GraphQL
// calls: retryablehttp handles transient network failures underneath the
// coordinator's own single-flight semantics, which handle staleness.
func NewRefresher(cfg *config.OAuthConfig) *Refresher {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = &retryLogger{}

	return &Refresher{
		cfg: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		},
		client: retryClient.StandardClient(),
	}
}

// Refresh implements coordinator.RefreshFunc[Token].
func (r *Refresher) Refresh(ctx context.Context, rc coordinator.RefreshContext[Token]) coordinator.RefreshOutcome[Token] {
	log := logger.WithComponent("oauth")
	log.Debug().
		Uint32("attempt", rc.Attempt).
		Str("reason", rc.Reason.String()).
		Msg("refreshing access token")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	tok, err := r.cfg.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn().Err(err).Msg("token refresh cancelled")
			return coordinator.RefreshCancelled[Token]()
		}
		log.Error().Err(err).Msg("token refresh failed")
		return coordinator.RefreshFailure[Token](fmt.Errorf("%w: %v", ErrTokenEndpointUnreachable, err))
	}

	log.Info().Time("expiry", tok.Expiry).Msg("access token refreshed")

	return coordinator.RefreshSuccess(Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Expiry:      tok.Expiry,
		Scopes:      r.cfg.Scopes,
	})
}

// retryLogger adapts zerolog to retryablehttp.Logger, grounded on the
// teacher pack's own adapter for the same library
// (eshaffer321-monarchmoney-go/internal/transport.retryLogger).
type retryLogger struct{}

func (l *retryLogger) Printf(format string, args ...interface{}) {
	logger.WithComponent("oauth").Debug().Msgf(format, args...)
}
