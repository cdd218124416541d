package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleetrelay/console/internal/testutil/registrytest"
	"github.com/gin-gonic/gin"
)

func TestEnsureAdminTokenMintsOnce(t *testing.T) {
	tokens := newBareTestTokens(t)

	plaintext, created, err := tokens.EnsureAdminToken(context.Background())
	if err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if !created {
		t.Fatalf("expected first bootstrap to mint a token")
	}
	if !strings.HasPrefix(plaintext, accessTokenPrefix) {
		t.Fatalf("expected %q prefix on minted token, got %q", accessTokenPrefix, plaintext)
	}

	identity, ok := tokens.identify(context.Background(), plaintext)
	if !ok {
		t.Fatalf("expected minted admin token to resolve")
	}
	if !identity.Admin || identity.OwnerID != bootstrapTokenOwner {
		t.Fatalf("unexpected bootstrap identity: %#v", identity)
	}

	again, created, err := tokens.EnsureAdminToken(context.Background())
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if created || again != "" {
		t.Fatalf("expected second bootstrap to be a no-op, got created=%v token=%q", created, again)
	}
}

func TestMintAndIdentifyRoundTrip(t *testing.T) {
	tokens := newBareTestTokens(t)

	minted, plaintext, err := tokens.Mint(context.Background(), "owner-x", "ci", false)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if strings.TrimSpace(minted.TokenID) == "" || strings.TrimSpace(plaintext) == "" {
		t.Fatalf("expected token id and plaintext, got %#v / %q", minted, plaintext)
	}

	identity, ok := tokens.identify(context.Background(), plaintext)
	if !ok {
		t.Fatalf("expected minted token to resolve")
	}
	if identity.OwnerID != "owner-x" || identity.Admin || identity.Name != "ci" {
		t.Fatalf("unexpected identity: %#v", identity)
	}

	if _, ok := tokens.identify(context.Background(), plaintext+"-tampered"); ok {
		t.Fatalf("expected tampered token to be rejected")
	}
	if _, ok := tokens.identify(context.Background(), "  "); ok {
		t.Fatalf("expected blank token to be rejected")
	}
}

func TestMintRejectsBadInput(t *testing.T) {
	tokens := newBareTestTokens(t)

	if _, _, err := tokens.Mint(context.Background(), "  ", "x", false); !errors.Is(err, errTokenOwnerRequired) {
		t.Fatalf("expected errTokenOwnerRequired, got %v", err)
	}
	if _, _, err := tokens.Mint(context.Background(), "owner-x", strings.Repeat("n", maxTokenNameRunes+1), false); !errors.Is(err, errTokenNameTooLong) {
		t.Fatalf("expected errTokenNameTooLong, got %v", err)
	}
}

func TestRevokeIsOwnerScoped(t *testing.T) {
	tokens := newBareTestTokens(t)
	minted, _, err := tokens.Mint(context.Background(), "owner-x", "victim", false)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	stranger := TokenIdentity{OwnerID: "owner-y", Admin: false}
	if err := tokens.Revoke(context.Background(), minted.TokenID, stranger); !errors.Is(err, errTokenNotFound) {
		t.Fatalf("expected stranger revoke to miss, got %v", err)
	}

	admin := TokenIdentity{OwnerID: "system", Admin: true}
	if err := tokens.Revoke(context.Background(), minted.TokenID, admin); err != nil {
		t.Fatalf("expected admin revoke to succeed, got %v", err)
	}
	if err := tokens.Revoke(context.Background(), minted.TokenID, admin); !errors.Is(err, errTokenNotFound) {
		t.Fatalf("expected second revoke to report not found, got %v", err)
	}
}

func TestAuthenticateMiddleware(t *testing.T) {
	tokens := newTestTokens(t)
	router := gin.New()
	router.GET("/probe", tokens.Authenticate(), func(c *gin.Context) {
		identity, ok := identityFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"owner_id": identity.OwnerID, "admin": identity.Admin})
	})

	missing := httptest.NewRecorder()
	router.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/probe", nil))
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", missing.Code)
	}

	wrong := httptest.NewRecorder()
	wrongReq := httptest.NewRequest(http.MethodGet, "/probe", nil)
	wrongReq.Header.Set(accessTokenHeader, "not-a-token")
	router.ServeHTTP(wrong, wrongReq)
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", wrong.Code)
	}

	legacy := httptest.NewRecorder()
	legacyReq := httptest.NewRequest(http.MethodGet, "/probe", nil)
	legacyReq.Header.Set("X-Fleetrelay-MCP-Token", testMCPToken)
	router.ServeHTTP(legacy, legacyReq)
	if legacy.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for legacy header, got %d", legacy.Code)
	}

	good := httptest.NewRecorder()
	goodReq := httptest.NewRequest(http.MethodGet, "/probe", nil)
	setMCPTokenHeader(goodReq)
	router.ServeHTTP(good, goodReq)
	if good.Code != http.StatusOK {
		t.Fatalf("expected 200 for seeded token, got %d body=%s", good.Code, good.Body.String())
	}
	if !strings.Contains(good.Body.String(), testOwnerID) {
		t.Fatalf("expected owner id in probe body, got %s", good.Body.String())
	}
}

func TestTokenEndpointsMintListDelete(t *testing.T) {
	tokens := newTestTokens(t)
	handler := NewWorkerHandler(registrytest.NewStore(t), 15*time.Second, nil, nil, nil, "")
	router := NewRouter(handler, tokens)

	mintReq := httptest.NewRequest(http.MethodPost, "/api/v1/tokens", strings.NewReader(`{"name":"ci-prod"}`))
	mintReq.Header.Set("Content-Type", "application/json")
	setMCPTokenHeader(mintReq)
	mintRec := httptest.NewRecorder()
	router.ServeHTTP(mintRec, mintReq)
	if mintRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", mintRec.Code, mintRec.Body.String())
	}
	minted := mintTokenResponse{}
	if err := json.Unmarshal(mintRec.Body.Bytes(), &minted); err != nil {
		t.Fatalf("decode mint response: %v", err)
	}
	if minted.OwnerID != testOwnerID || minted.Admin {
		t.Fatalf("expected non-admin token for own owner, got %#v", minted.tokenItem)
	}
	if !strings.HasPrefix(minted.Token, accessTokenPrefix) {
		t.Fatalf("expected plaintext token in mint response, got %q", minted.Token)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/tokens", nil)
	setMCPTokenHeader(listReq)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", listRec.Code, listRec.Body.String())
	}
	listed := tokenListResponse{}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	// Two seeded owner tokens plus the one just minted.
	if listed.Total != 3 {
		t.Fatalf("expected 3 owned tokens, got %d", listed.Total)
	}
	for _, item := range listed.Items {
		if item.OwnerID != testOwnerID {
			t.Fatalf("expected only own tokens in list, got %#v", item)
		}
	}

	deleteReq := httptest.NewRequest(http.MethodDelete, "/api/v1/tokens/"+minted.TokenID, nil)
	setMCPTokenHeader(deleteReq)
	deleteRec := httptest.NewRecorder()
	router.ServeHTTP(deleteRec, deleteReq)
	if deleteRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", deleteRec.Code, deleteRec.Body.String())
	}

	revokedReq := httptest.NewRequest(http.MethodGet, "/api/v1/tokens", nil)
	revokedReq.Header.Set(accessTokenHeader, minted.Token)
	revokedRec := httptest.NewRecorder()
	router.ServeHTTP(revokedRec, revokedReq)
	if revokedRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", revokedRec.Code)
	}
}

func TestTokenEndpointsGuardEscalation(t *testing.T) {
	tokens := newTestTokens(t)
	handler := NewWorkerHandler(registrytest.NewStore(t), 15*time.Second, nil, nil, nil, "")
	router := NewRouter(handler, tokens)

	adminMint := httptest.NewRequest(http.MethodPost, "/api/v1/tokens", strings.NewReader(`{"name":"escalate","admin":true}`))
	adminMint.Header.Set("Content-Type", "application/json")
	setMCPTokenHeader(adminMint)
	adminMintRec := httptest.NewRecorder()
	router.ServeHTTP(adminMintRec, adminMint)
	if adminMintRec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin admin-mint, got %d body=%s", adminMintRec.Code, adminMintRec.Body.String())
	}

	crossMint := httptest.NewRequest(http.MethodPost, "/api/v1/tokens", strings.NewReader(`{"name":"cross","owner_id":"someone-else"}`))
	crossMint.Header.Set("Content-Type", "application/json")
	setMCPTokenHeader(crossMint)
	crossMintRec := httptest.NewRecorder()
	router.ServeHTTP(crossMintRec, crossMint)
	if crossMintRec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-owner mint, got %d body=%s", crossMintRec.Code, crossMintRec.Body.String())
	}

	adminCross := httptest.NewRequest(http.MethodPost, "/api/v1/tokens", strings.NewReader(`{"name":"for-member","owner_id":"`+testOwnerIDB+`"}`))
	adminCross.Header.Set("Content-Type", "application/json")
	setAdminTokenHeader(adminCross)
	adminCrossRec := httptest.NewRecorder()
	router.ServeHTTP(adminCrossRec, adminCross)
	if adminCrossRec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for admin cross-owner mint, got %d body=%s", adminCrossRec.Code, adminCrossRec.Body.String())
	}
	minted := mintTokenResponse{}
	if err := json.Unmarshal(adminCrossRec.Body.Bytes(), &minted); err != nil {
		t.Fatalf("decode mint response: %v", err)
	}
	if minted.OwnerID != testOwnerIDB {
		t.Fatalf("expected owner %q, got %q", testOwnerIDB, minted.OwnerID)
	}
}
