package apihttp

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/bind"
	"github.com/keithlinneman/linnemanlabs-api/internal/observe"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
)

type Item struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ItemStore is an in-memory item repository. Every call counts as one
// query against the current request.
type ItemStore struct {
	mu    sync.RWMutex
	items map[string]Item
}

func NewItemStore() *ItemStore {
	return &ItemStore{items: make(map[string]Item)}
}

func (s *ItemStore) Create(ctx context.Context, it Item) Item {
	observe.CountQuery(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	s.items[it.ID] = it
	return it
}

// Get returns the item only when owner holds it.
func (s *ItemStore) Get(ctx context.Context, owner, id string) (Item, bool) {
	observe.CountQuery(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok || it.OwnerID != owner {
		return Item{}, false
	}
	return it, true
}

func (s *ItemStore) Delete(ctx context.Context, owner, id string) bool {
	observe.CountQuery(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || it.OwnerID != owner {
		return false
	}
	delete(s.items, id)
	return true
}

// List returns the items of owner, or every item when owner is empty,
// oldest first.
func (s *ItemStore) List(ctx context.Context, owner string) []Item {
	observe.CountQuery(ctx)
	s.mu.RLock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		if owner == "" || it.OwnerID == owner {
			out = append(out, it)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Item) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Stats returns the item count and the number of distinct owners.
func (s *ItemStore) Stats(ctx context.Context) (items, owners int) {
	observe.CountQuery(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, it := range s.items {
		seen[it.OwnerID] = struct{}{}
	}
	return len(s.items), len(seen)
}

// CreateItemRequest is the body of POST /api/v1/items.
type CreateItemRequest struct {
	Name  string   `json:"name" validate:"required,min=1,max=100"`
	Price int64    `json:"price" validate:"gte=0"`
	Tags  []string `json:"tags" validate:"max=10,dive,required,max=32"`
}

type ItemListResponse struct {
	Items []Item `json:"items"`
	Count int    `json:"count"`
}

func (api *API) HandleCreateItem(w http.ResponseWriter, r *http.Request) error {
	var req CreateItemRequest
	if err := bind.JSON(r, &req); err != nil {
		return err
	}
	ctx := r.Context()
	it := api.items.Create(ctx, Item{
		OwnerID: userID(ctx),
		Name:    strings.TrimSpace(req.Name),
		Price:   req.Price,
		Tags:    req.Tags,
	})
	w.Header().Set("Location", "/api/v1/items/"+it.ID)
	return bind.WriteJSON(w, http.StatusCreated, it)
}

func (api *API) HandleListItems(w http.ResponseWriter, r *http.Request) error {
	items := api.items.List(r.Context(), userID(r.Context()))
	return bind.WriteJSON(w, http.StatusOK, ItemListResponse{Items: items, Count: len(items)})
}

func (api *API) HandleGetItem(w http.ResponseWriter, r *http.Request) error {
	it, ok := api.items.Get(r.Context(), userID(r.Context()), chi.URLParam(r, "id"))
	if !ok {
		return apperr.NotFound("Item not found.")
	}
	return bind.WriteJSON(w, http.StatusOK, it)
}

func (api *API) HandleDeleteItem(w http.ResponseWriter, r *http.Request) error {
	if !api.items.Delete(r.Context(), userID(r.Context()), chi.URLParam(r, "id")) {
		return apperr.NotFound("Item not found.")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// CatalogEntry is the public view of an item.
type CatalogEntry struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Price int64    `json:"price"`
	Tags  []string `json:"tags,omitempty"`
}

type CatalogResponse struct {
	Entries []CatalogEntry `json:"entries"`
	Count   int            `json:"count"`
}

// HandleCatalog lists every item without owner details. The body only
// changes when the items do, so conditional requests revalidate cheaply.
func (api *API) HandleCatalog(w http.ResponseWriter, r *http.Request) error {
	items := api.items.List(r.Context(), "")
	resp := CatalogResponse{Entries: make([]CatalogEntry, 0, len(items)), Count: len(items)}
	for _, it := range items {
		resp.Entries = append(resp.Entries, CatalogEntry{ID: it.ID, Name: it.Name, Price: it.Price, Tags: it.Tags})
	}
	return bind.WriteJSON(w, http.StatusOK, resp)
}

// MeResponse describes the authenticated caller.
type MeResponse struct {
	UserID    string   `json:"user_id"`
	TokenID   string   `json:"token_id,omitempty"`
	Abilities []string `json:"abilities"`
}

func (api *API) HandleMe(w http.ResponseWriter, r *http.Request) {
	p := reqctx.PrincipalFrom(r.Context())
	resp := MeResponse{Abilities: []string{}}
	if p != nil {
		resp.UserID, resp.TokenID = p.UserID, p.TokenID
		if p.Abilities != nil {
			resp.Abilities = p.Abilities
		}
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func userID(ctx context.Context) string {
	if p := reqctx.PrincipalFrom(ctx); p != nil {
		return p.UserID
	}
	return ""
}
