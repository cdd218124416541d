package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/fleetrelay/console/internal/persistence"
	"github.com/fleetrelay/console/internal/persistence/sqlc"
	"github.com/gin-gonic/gin"
)

// The console's only caller-facing credential is a bearer token presented in
// this header. A token maps to an owner id (the tenant scope every task and
// worker-sys query runs under) and an admin flag that opens up fleet-wide
// worker CRUD. Full account management is a separate product surface; the
// console carries just enough here to bootstrap itself and to keep owners
// isolated from each other.
const (
	accessTokenHeader    = "X-Fleetrelay-Token"
	accessTokenPrefix    = "frt_"
	accessTokenByteSize  = 32
	accessTokenIDPrefix  = "tok_"
	bootstrapTokenOwner  = "system"
	bootstrapTokenName   = "bootstrap-admin"
	maxTokenNameRunes    = 64
	mintTokenMaxAttempts = 8
)

var (
	errTokenNameTooLong    = errors.New("name length must be <= 64")
	errTokenOwnerRequired  = errors.New("owner_id is required")
	errTokenNotFound       = errors.New("token not found")
	errTokenAdminRequired  = errors.New("admin token required")
	errTokenStoreExhausted = errors.New("failed to allocate a unique token")
)

// TokenIdentity is what a resolved bearer token says about its caller.
type TokenIdentity struct {
	TokenID   string
	OwnerID   string
	Name      string
	Admin     bool
	CreatedAt time.Time
}

// AccessTokens persists and resolves bearer tokens. Only the HMAC of a
// token is stored; the plaintext exists exactly once, in the mint response.
type AccessTokens struct {
	queries *sqlc.Queries
	hasher  *persistence.Hasher
	nowFn   func() time.Time
}

func NewAccessTokens(db *persistence.DB) *AccessTokens {
	if db == nil || db.Queries == nil || db.Hasher == nil {
		panic("access tokens require an opened persistence db")
	}
	return &AccessTokens{
		queries: db.Queries,
		hasher:  db.Hasher,
		nowFn:   time.Now,
	}
}

// EnsureAdminToken guarantees at least one admin token exists. On first boot
// it mints one and returns the plaintext so the operator can record it; on
// every later boot it returns created=false and no secret.
func (t *AccessTokens) EnsureAdminToken(ctx context.Context) (plaintext string, created bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	admins, err := t.queries.CountAdminAccessTokens(ctx)
	if err != nil {
		return "", false, fmt.Errorf("count admin tokens: %w", err)
	}
	if admins > 0 {
		return "", false, nil
	}
	_, plaintext, err = t.Mint(ctx, bootstrapTokenOwner, bootstrapTokenName, true)
	if err != nil {
		return "", false, err
	}
	return plaintext, true, nil
}

// Mint creates a token for ownerID and returns its identity plus the
// plaintext. Collisions on the random id or hash are retried with fresh
// randomness.
func (t *AccessTokens) Mint(ctx context.Context, ownerID string, name string, admin bool) (TokenIdentity, string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return TokenIdentity{}, "", errTokenOwnerRequired
	}
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxTokenNameRunes {
		return TokenIdentity{}, "", errTokenNameTooLong
	}

	for attempt := 0; attempt < mintTokenMaxAttempts; attempt++ {
		plaintext, tokenID, err := newTokenMaterial()
		if err != nil {
			return TokenIdentity{}, "", err
		}
		now := t.nowFn()
		inserted, err := t.queries.InsertAccessTokenIfAbsent(ctx, sqlc.InsertAccessTokenIfAbsentParams{
			TokenID:         tokenID,
			TokenHash:       t.hasher.Hash(plaintext),
			OwnerID:         ownerID,
			Name:            name,
			IsAdmin:         adminFlag(admin),
			CreatedAtUnixMs: now.UnixMilli(),
		})
		if err != nil {
			return TokenIdentity{}, "", err
		}
		if inserted == 0 {
			continue
		}
		return TokenIdentity{
			TokenID:   tokenID,
			OwnerID:   ownerID,
			Name:      name,
			Admin:     admin,
			CreatedAt: now,
		}, plaintext, nil
	}
	return TokenIdentity{}, "", errTokenStoreExhausted
}

// Revoke deletes a token. An admin requester may revoke any token; everyone
// else is confined to tokens owned by their own owner id.
func (t *AccessTokens) Revoke(ctx context.Context, tokenID string, requester TokenIdentity) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return errTokenNotFound
	}

	var deleted int64
	var err error
	if requester.Admin {
		deleted, err = t.queries.DeleteAccessTokenByID(ctx, tokenID)
	} else {
		deleted, err = t.queries.DeleteAccessTokenByIDAndOwner(ctx, sqlc.DeleteAccessTokenByIDAndOwnerParams{
			TokenID: tokenID,
			OwnerID: requester.OwnerID,
		})
	}
	if err != nil {
		return err
	}
	if deleted == 0 {
		return errTokenNotFound
	}
	return nil
}

func (t *AccessTokens) ListOwned(ctx context.Context, ownerID string) ([]TokenIdentity, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := t.queries.ListAccessTokensByOwner(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, err
	}
	identities := make([]TokenIdentity, 0, len(rows))
	for _, row := range rows {
		identities = append(identities, identityOfRow(row))
	}
	return identities, nil
}

func (t *AccessTokens) identify(ctx context.Context, presented string) (TokenIdentity, bool) {
	presented = strings.TrimSpace(presented)
	if presented == "" || hasInnerSpace(presented) {
		return TokenIdentity{}, false
	}
	row, err := t.queries.GetAccessTokenByHash(ctx, t.hasher.Hash(presented))
	if err != nil {
		// Unknown token and a failing store look the same to the caller.
		return TokenIdentity{}, false
	}
	identity := identityOfRow(row)
	if identity.OwnerID == "" {
		return TokenIdentity{}, false
	}
	return identity, true
}

// Authenticate is the gate in front of every API route: it resolves the
// bearer header to a TokenIdentity and stashes it in both the gin context
// and the request context (the MCP handlers only see the latter).
func (t *AccessTokens) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := t.identify(c.Request.Context(), c.GetHeader(accessTokenHeader))
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			c.Abort()
			return
		}
		attachIdentity(c, identity)
		c.Next()
	}
}

type tokenIdentityContextKey struct{}

const tokenIdentityGinKey = "access_token_identity"

func attachIdentity(c *gin.Context, identity TokenIdentity) {
	c.Set(tokenIdentityGinKey, identity)
	if c.Request != nil {
		ctx := context.WithValue(c.Request.Context(), tokenIdentityContextKey{}, identity)
		c.Request = c.Request.WithContext(ctx)
	}
}

func identityFrom(c *gin.Context) (TokenIdentity, bool) {
	if c == nil {
		return TokenIdentity{}, false
	}
	if value, ok := c.Get(tokenIdentityGinKey); ok {
		if identity, ok := value.(TokenIdentity); ok && identity.OwnerID != "" {
			return identity, true
		}
	}
	if c.Request != nil {
		return identityFromContext(c.Request.Context())
	}
	return TokenIdentity{}, false
}

func identityFromContext(ctx context.Context) (TokenIdentity, bool) {
	if ctx == nil {
		return TokenIdentity{}, false
	}
	identity, ok := ctx.Value(tokenIdentityContextKey{}).(TokenIdentity)
	if !ok || identity.OwnerID == "" {
		return TokenIdentity{}, false
	}
	return identity, true
}

// HTTP surface: just enough token management to operate a multi-owner
// console. Admin tokens mint for any owner; plain tokens mint for their own
// owner and can never self-escalate.

type mintTokenRequest struct {
	Name    string `json:"name,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	Admin   bool   `json:"admin,omitempty"`
}

type tokenItem struct {
	TokenID   string    `json:"token_id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name,omitempty"`
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"created_at"`
}

type mintTokenResponse struct {
	tokenItem
	Token string `json:"token"`
}

type tokenListResponse struct {
	Items []tokenItem `json:"items"`
	Total int         `json:"total"`
}

func (t *AccessTokens) ListTokens(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	owned, err := t.ListOwned(c.Request.Context(), identity.OwnerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
		return
	}
	items := make([]tokenItem, 0, len(owned))
	for _, identity := range owned {
		items = append(items, itemOfIdentity(identity))
	}
	c.JSON(http.StatusOK, tokenListResponse{Items: items, Total: len(items)})
}

func (t *AccessTokens) MintToken(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	req := mintTokenRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		ownerID = identity.OwnerID
	}
	if !identity.Admin {
		if req.Admin {
			c.JSON(http.StatusForbidden, gin.H{"error": errTokenAdminRequired.Error()})
			return
		}
		if ownerID != identity.OwnerID {
			c.JSON(http.StatusForbidden, gin.H{"error": "cannot mint tokens for another owner"})
			return
		}
	}

	minted, plaintext, err := t.Mint(c.Request.Context(), ownerID, req.Name, req.Admin)
	if err != nil {
		if errors.Is(err, errTokenNameTooLong) || errors.Is(err, errTokenOwnerRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
		return
	}
	c.JSON(http.StatusCreated, mintTokenResponse{
		tokenItem: itemOfIdentity(minted),
		Token:     plaintext,
	})
}

func (t *AccessTokens) DeleteToken(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	err := t.Revoke(c.Request.Context(), c.Param("token_id"), identity)
	if err != nil {
		if errors.Is(err, errTokenNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errTokenNotFound.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete token"})
		return
	}
	c.Status(http.StatusNoContent)
}

func identityOfRow(row sqlc.AccessToken) TokenIdentity {
	return TokenIdentity{
		TokenID:   row.TokenID,
		OwnerID:   strings.TrimSpace(row.OwnerID),
		Name:      row.Name,
		Admin:     row.IsAdmin == 1,
		CreatedAt: time.UnixMilli(row.CreatedAtUnixMs),
	}
}

func itemOfIdentity(identity TokenIdentity) tokenItem {
	return tokenItem{
		TokenID:   identity.TokenID,
		OwnerID:   identity.OwnerID,
		Name:      identity.Name,
		Admin:     identity.Admin,
		CreatedAt: identity.CreatedAt,
	}
}

func newTokenMaterial() (plaintext string, tokenID string, err error) {
	secret, err := randomHexString(accessTokenByteSize)
	if err != nil {
		return "", "", err
	}
	id, err := randomHexString(16)
	if err != nil {
		return "", "", err
	}
	return accessTokenPrefix + secret, accessTokenIDPrefix + id, nil
}

func randomHexString(byteSize int) (string, error) {
	raw := make([]byte, byteSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func hasInnerSpace(value string) bool {
	for _, r := range value {
		if unicode.IsSpace(r) {
			return true
		}
	}
	return false
}

func adminFlag(admin bool) int64 {
	if admin {
		return 1
	}
	return 0
}
