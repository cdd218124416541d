package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/fleetrelay/console/internal/persistence"
	"github.com/fleetrelay/console/internal/persistence/sqlc"
)

const (
	testOwnerID    = "acc-owner-test"
	testOwnerIDB   = "acc-owner-test-b"
	testAdminToken = "frt-admin-token-test"
	testMCPToken   = "mcp-token-test"
	testMCPTokenB  = "mcp-token-test-b"
)

// newBareTestTokens opens a throwaway token store with nothing seeded.
func newBareTestTokens(t *testing.T) *AccessTokens {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := persistence.Open(ctx, persistence.Options{
		Path:             fmt.Sprintf("file:fleetrelay-tokens-test-%d?mode=memory&cache=shared", time.Now().UnixNano()),
		BusyTimeoutMS:    5000,
		HashKey:          "test-hash-key",
		TaskRetentionDay: 30,
	})
	if err != nil {
		t.Fatalf("open test token db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewAccessTokens(db)
}

// newTestTokens seeds the standard fixture: one admin token plus two tokens
// for the same non-admin owner (the second exists so request-dedup tests can
// show two credentials of one owner sharing task state).
func newTestTokens(t *testing.T) *AccessTokens {
	t.Helper()
	tokens := newBareTestTokens(t)
	seedAccessToken(t, tokens, testAdminToken, "system", "test-admin", true)
	seedAccessToken(t, tokens, testMCPToken, testOwnerID, "owner-token-a", false)
	seedAccessToken(t, tokens, testMCPTokenB, testOwnerID, "owner-token-b", false)
	return tokens
}

// seedAccessToken installs a token with a KNOWN plaintext, which Mint (by
// design) cannot do.
func seedAccessToken(t *testing.T, tokens *AccessTokens, plaintext string, ownerID string, name string, admin bool) {
	t.Helper()
	tokenID, err := randomHexString(16)
	if err != nil {
		t.Fatalf("generate token id: %v", err)
	}
	inserted, err := tokens.queries.InsertAccessTokenIfAbsent(context.Background(), sqlc.InsertAccessTokenIfAbsentParams{
		TokenID:         accessTokenIDPrefix + tokenID,
		TokenHash:       tokens.hasher.Hash(plaintext),
		OwnerID:         ownerID,
		Name:            name,
		IsAdmin:         adminFlag(admin),
		CreatedAtUnixMs: time.Now().UnixMilli(),
	})
	if err != nil || inserted != 1 {
		t.Fatalf("seed token %q: inserted=%d err=%v", name, inserted, err)
	}
}

func setMCPTokenHeader(req *http.Request) {
	if req != nil {
		req.Header.Set(accessTokenHeader, testMCPToken)
	}
}

func setAdminTokenHeader(req *http.Request) {
	if req != nil {
		req.Header.Set(accessTokenHeader, testAdminToken)
	}
}
