package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genforge/internal/api/middleware"
	"github.com/kiranshivaraju/genforge/internal/api/response"
	"github.com/kiranshivaraju/genforge/internal/store"
	"github.com/kiranshivaraju/genforge/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix starts every generated key.
const APIKeyPrefix = "gf_"

var knownScopes = []string{mw.ScopeGenerate, mw.ScopeAdmin}

// NewAPIKey builds the stored record for rawKey. Only the bcrypt hash and the
// lookup prefix are kept.
func NewAPIKey(ownerID uuid.UUID, name, rawKey string, scopes []string) (*models.APIKey, error) {
	if len(rawKey) < mw.KeyPrefixLen {
		return nil, fmt.Errorf("api key must be at least %d characters", mw.KeyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing api key: %w", err)
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func generateRawKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

type createdKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// Omitting owner_id provisions a new owner. The raw key is only ever returned
// here.
func NewCreateKeyHandler(keys store.APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name    string    `json:"name"`
			OwnerID uuid.UUID `json:"owner_id"`
			Scopes  []string  `json:"scopes"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required",
				map[string]string{"field": "name"})
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{mw.ScopeGenerate}
		}
		for _, s := range req.Scopes {
			if !slices.Contains(knownScopes, s) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
					fmt.Sprintf("unknown scope %q", s), map[string]string{"field": "scopes"})
				return
			}
		}
		if req.OwnerID == uuid.Nil {
			req.OwnerID = uuid.New()
		}

		raw, err := generateRawKey()
		if err != nil {
			writeError(w, r, fmt.Errorf("generating api key: %w", err))
			return
		}
		key, err := NewAPIKey(req.OwnerID, req.Name, raw, req.Scopes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := keys.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY",
					"A key with this name already exists for the owner", nil)
				return
			}
			writeError(w, r, err)
			return
		}
		response.Created(w, createdKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
// The owner defaults to the caller; ?owner_id= selects another.
func NewListKeysHandler(keys store.APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := targetOwner(w, r)
		if !ok {
			return
		}
		list, err := keys.ListAPIKeys(r.Context(), ownerID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []*models.APIKey{}
		}
		response.JSON(w, list)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(keys store.APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := targetOwner(w, r)
		if !ok {
			return
		}
		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid key id", nil)
			return
		}
		if err := keys.RevokeAPIKey(r.Context(), keyID, ownerID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

func targetOwner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if raw := r.URL.Query().Get("owner_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid owner_id", nil)
			return uuid.Nil, false
		}
		return id, true
	}
	id, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
	}
	return id, ok
}
