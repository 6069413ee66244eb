// Package auth implements the token manager: a single actor owning the
// device's bearer token, the token file, and the private key, grounded on
// the reference agent's single-threaded token manager and its
// spawn()/get_token()/refresh_token() actor wrapper.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/crypt"
	"github.com/cuemby/miru-agent/internal/events"
	"github.com/cuemby/miru-agent/internal/fsys"
	"github.com/cuemby/miru-agent/internal/httpclient"
	"github.com/cuemby/miru-agent/internal/types"
	"github.com/google/uuid"
)

// issueTokenClaim is signed and POSTed to obtain a bearer token.
type issueTokenClaim struct {
	DeviceID   string    `json:"device_id"`
	Nonce      string    `json:"nonce"`
	Expiration time.Time `json:"expiration"`
}

const claimValidity = 2 * time.Minute

type opKind int

const (
	opGetToken opKind = iota
	opRefreshToken
)

type command struct {
	op       opKind
	ctx      context.Context
	tokenCh  chan types.Token
	errCh    chan error
}

// TokenManager is the actor handle; all state lives in the goroutine
// started by Spawn.
type TokenManager struct {
	cmds   chan command
	closed chan struct{}
	done   chan struct{}
}

// Spawn starts the Token Manager actor. tokenFile is read once at startup
// to seed the in-memory token, best-effort (a missing file yields a zero
// Token, forcing the next GetToken/RefreshToken caller to refresh).
func Spawn(deviceID string, client *httpclient.Client, privateKey *rsa.PrivateKey, tokenFile string, refreshCooldown time.Duration, broker *events.Broker) *TokenManager {
	m := &TokenManager{
		cmds:   make(chan command, 64),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	var seed types.Token
	_ = fsys.ReadJSON(tokenFile, &seed)

	state := &actorState{
		deviceID:        deviceID,
		client:          client,
		privateKey:      privateKey,
		tokenFile:       tokenFile,
		refreshCooldown: refreshCooldown,
		broker:          broker,
		token:           seed,
	}
	go m.run(state)
	return m
}

type actorState struct {
	deviceID        string
	client          *httpclient.Client
	privateKey      *rsa.PrivateKey
	tokenFile       string
	refreshCooldown time.Duration
	broker          *events.Broker
	token           types.Token
	lastRefresh     time.Time
}

func (m *TokenManager) run(state *actorState) {
	defer close(m.done)
	for {
		select {
		case cmd := <-m.cmds:
			m.handle(state, cmd)
		case <-m.closed:
			return
		}
	}
}

func (m *TokenManager) handle(state *actorState, cmd command) {
	switch cmd.op {
	case opGetToken:
		cmd.tokenCh <- state.token
	case opRefreshToken:
		cmd.errCh <- refresh(cmd.ctx, state)
	}
}

// refresh implements refresh_token(): cooldown short-circuit, else
// build+sign claims, POST, persist, update last_refresh, broadcast.
func refresh(ctx context.Context, state *actorState) error {
	now := time.Now()
	if !state.lastRefresh.IsZero() && now.Before(state.lastRefresh.Add(state.refreshCooldown)) {
		return nil
	}

	claims := issueTokenClaim{
		DeviceID:   state.deviceID,
		Nonce:      uuid.NewString(),
		Expiration: now.Add(claimValidity),
	}
	claimsJSON, signature, err := crypt.SignClaims(state.privateKey, claims)
	if err != nil {
		return err
	}

	var rawClaims json.RawMessage = claimsJSON
	token, err := state.client.IssueToken(ctx, state.deviceID, rawClaims, signature)
	if err != nil {
		return err
	}

	if err := fsys.WriteJSONAtomic(state.tokenFile, token, 0o600); err != nil {
		return err
	}

	state.token = token
	state.lastRefresh = now

	if state.broker != nil {
		state.broker.Publish(events.TokenRefreshed{
			DeviceID:  state.deviceID,
			ExpiresAt: token.ExpiresAt,
			At:        now,
		})
	}
	return nil
}

// GetToken returns the currently cached token, which may already be
// expired — freshness is the caller's responsibility via RefreshToken.
func (m *TokenManager) GetToken() (types.Token, error) {
	resultCh := make(chan types.Token, 1)
	select {
	case m.cmds <- command{op: opGetToken, tokenCh: resultCh}:
	case <-m.closed:
		return types.Token{}, &agenterrors.ActorClosedErr{Actor: "token_manager", Site: agenterrors.Trace()}
	}
	return <-resultCh, nil
}

// RefreshToken requests a refresh, short-circuiting if still within
// cooldown of the previous one.
func (m *TokenManager) RefreshToken(ctx context.Context) error {
	errCh := make(chan error, 1)
	select {
	case m.cmds <- command{op: opRefreshToken, ctx: ctx, errCh: errCh}:
	case <-m.closed:
		return &agenterrors.ActorClosedErr{Actor: "token_manager", Site: agenterrors.Trace()}
	}
	return <-errCh
}

// Shutdown stops the actor, idempotently.
func (m *TokenManager) Shutdown() {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	<-m.done
}
