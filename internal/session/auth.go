package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"perpd/internal/logger"
	"perpd/internal/wire"
)

// authenticate performs the credential handshake on the live connection.
// viaRefresh exchanges the stored refresh token instead of the client pair;
// this is the proactive in-place renewal path, no reconnect involved.
func (t *Transport) authenticate(ctx context.Context, viaRefresh bool) error {
	profile := t.profiles.Current()

	params := wire.AuthParams{GrantType: "client_credentials", ClientID: t.creds.ClientID, ClientSecret: t.creds.ClientSecret}
	if viaRefresh {
		t.mu.Lock()
		token := t.refreshToken
		t.mu.Unlock()
		if token == "" {
			return &AuthError{Message: "no refresh token held"}
		}
		params = wire.AuthParams{GrantType: "refresh_token", RefreshToken: token}
	}

	raw, err := t.call(ctx, profile.Methods.Auth, params, false)
	if err != nil {
		var rpcErr *wire.RPCError
		if errors.As(err, &rpcErr) {
			return &AuthError{Code: rpcErr.Code, Message: rpcErr.Message, Permanent: credentialsRejected(rpcErr) && !viaRefresh}
		}
		if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrCallTimeout) {
			return &ConnectionError{Op: "auth", Err: err}
		}
		return err
	}

	var result wire.AuthResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &AuthError{Message: "unparseable auth result: " + err.Error()}
	}
	if result.AccessToken == "" || result.ExpiresIn <= 0 {
		return &AuthError{Message: "auth result missing token or expiry"}
	}

	t.mu.Lock()
	t.refreshToken = result.RefreshToken
	epoch := t.epoch
	t.mu.Unlock()

	t.scheduleRefresh(epoch, time.Duration(result.ExpiresIn)*time.Second)
	logger.Infof("session: authenticated, token valid %ds", result.ExpiresIn)
	return nil
}

// credentialsRejected distinguishes "your key is wrong" from transient auth
// failures; only the former is hopeless to retry.
func credentialsRejected(rpcErr *wire.RPCError) bool {
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "invalid") || strings.Contains(msg, "unauthorized") || rpcErr.Code == 13004
}

// scheduleRefresh arms a one-shot renewal ahead of token expiry. A failed
// renewal is treated as a disconnect so the normal reconnect path
// re-authenticates from scratch.
func (t *Transport) scheduleRefresh(epoch uint64, validFor time.Duration) {
	wait := validFor - t.cfg.TokenRefreshMargin
	if wait <= 0 {
		wait = validFor / 2
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch != epoch {
		return
	}
	if t.refreshTimer != nil {
		t.refreshTimer.Stop()
	}
	t.refreshTimer = time.AfterFunc(wait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CallTimeout)
		defer cancel()
		if err := t.authenticate(ctx, true); err != nil {
			logger.Warnf("session: token refresh failed, forcing reconnect: %v", err)
			t.teardown(epoch, err)
		}
	})
}
