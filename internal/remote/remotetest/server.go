// Package remotetest runs an in-memory remote cart service over HTTP for tests.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/packfinderz-cartsync/internal/cart"
	"github.com/angelmondragon/packfinderz-cartsync/internal/remote"
)

// Server keeps one cart per bearer token.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	carts    map[string][]cart.Line
	nextID   int
	offline  bool
	rejects  map[string]string
	requests []string
}

func NewServer() *Server {
	s := &Server{
		carts:   make(map[string][]cart.Line),
		rejects: make(map[string]string),
	}
	r := chi.NewRouter()
	r.Use(s.gate)
	r.Get("/cart", s.getCart)
	r.Post("/cart/add", s.addItem)
	r.Put("/cart/items/{id}", s.updateItem)
	r.Delete("/cart/items/{id}", s.removeItem)
	r.Delete("/cart", s.clearCart)
	r.Post("/cart/batch", s.batch)
	s.Server = httptest.NewServer(r)
	return s
}

// SetOffline makes every request fail with 503 until called with false.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Reject makes adds and updates of productID fail with 422.
func (s *Server) Reject(productID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[productID] = message
}

func (s *Server) Seed(token string, lines ...cart.Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range lines {
		s.nextID++
		if line.LineID == "" {
			line.LineID = fmt.Sprintf("srv-%d", s.nextID)
		}
		s.carts[token] = append(s.carts[token], line)
	}
}

// Lines returns the cart held for token.
func (s *Server) Lines(token string) []cart.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cart.Line, len(s.carts[token]))
	copy(out, s.carts[token])
	return out
}

// Requests lists "METHOD /path" for every request that reached a handler.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		offline := s.offline
		if !offline {
			s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		}
		s.mu.Unlock()
		if offline {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "service unavailable")
			return
		}
		if token(r) == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func token(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCart(w, token(r))
}

func (s *Server) addItem(w http.ResponseWriter, r *http.Request) {
	var in remote.AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.rejects[in.ProductID]; ok {
		writeError(w, http.StatusUnprocessableEntity, "REJECTED", msg)
		return
	}
	tok := token(r)
	key := cart.LineKey{ProductID: in.ProductID, VariantID: in.VariantID}
	for i, line := range s.carts[tok] {
		if line.Key() == key {
			s.carts[tok][i].Quantity += in.Quantity
			s.writeCart(w, tok)
			return
		}
	}
	line := cart.Line{
		ProductID: in.ProductID,
		VariantID: in.VariantID,
		Quantity:  in.Quantity,
		AddedAt:   time.Now().UTC(),
	}
	if in.UnitPrice != nil {
		line.UnitPrice = *in.UnitPrice
	}
	s.appendLocked(tok, line)
	s.writeCart(w, tok)
}

func (s *Server) updateItem(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tok := token(r)
	idx := s.findLocked(tok, chi.URLParam(r, "id"))
	if idx < 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "cart item not found")
		return
	}
	if msg, ok := s.rejects[s.carts[tok][idx].ProductID]; ok {
		writeError(w, http.StatusUnprocessableEntity, "REJECTED", msg)
		return
	}
	s.carts[tok][idx].Quantity = in.Quantity
	s.writeCart(w, tok)
}

func (s *Server) removeItem(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := token(r)
	idx := s.findLocked(tok, chi.URLParam(r, "id"))
	if idx < 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "cart item not found")
		return
	}
	s.carts[tok] = append(s.carts[tok][:idx], s.carts[tok][idx+1:]...)
	s.writeCart(w, tok)
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := token(r)
	delete(s.carts, tok)
	s.writeCart(w, tok)
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Items []remote.Item `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tok := token(r)
	for _, item := range in.Items {
		key := cart.LineKey{ProductID: item.ProductID, VariantID: item.VariantID}
		idx := s.findLocked(tok, item.ID)
		if idx < 0 {
			for i, line := range s.carts[tok] {
				if line.Key() == key {
					idx = i
					break
				}
			}
		}
		if idx >= 0 {
			s.carts[tok][idx].Quantity = item.Quantity
			continue
		}
		s.appendLocked(tok, cart.Line{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			AddedAt:   item.AddedAt,
		})
	}
	s.writeCart(w, tok)
}

func (s *Server) appendLocked(tok string, line cart.Line) {
	s.nextID++
	line.LineID = fmt.Sprintf("srv-%d", s.nextID)
	s.carts[tok] = append(s.carts[tok], line)
}

func (s *Server) findLocked(tok, id string) int {
	if id == "" {
		return -1
	}
	for i, line := range s.carts[tok] {
		if line.LineID == id {
			return i
		}
	}
	return -1
}

func (s *Server) writeCart(w http.ResponseWriter, tok string) {
	items := make([]remote.Item, 0, len(s.carts[tok]))
	for _, line := range s.carts[tok] {
		items = append(items, remote.Item{
			ID:        line.LineID,
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			AddedAt:   line.AddedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
