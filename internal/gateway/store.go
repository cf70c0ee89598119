package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"claudegate/internal/config"
	"claudegate/internal/transcode"
	"claudegate/internal/upstream"
)

// ErrNotFound indicates the requested gateway id is not configured.
var ErrNotFound = errors.New("gateway not found")

// Gateway is one resolved tenant: its model mapper, upstream client and
// expected client auth token. Instances are immutable after construction.
type Gateway struct {
	ID     string
	Mapper *transcode.ModelMapper
	Client *upstream.Client

	authToken string
}

// Authorize checks a presented client token against the expected one.
func (g *Gateway) Authorize(token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.authToken)) == 1
}

// Store holds the gateway table. Lookups read an immutable snapshot; Replace
// installs a new table atomically, visible only to subsequently dispatched
// requests, so in-flight requests keep the configuration they started with.
type Store struct {
	table atomic.Pointer[map[string]*Gateway]
}

// NewStore builds a store from configuration. The http.Client is shared by
// every gateway's upstream client.
func NewStore(cfg config.Config, httpClient *http.Client) (*Store, error) {
	s := &Store{}
	if err := s.Replace(cfg, httpClient); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps in a freshly built gateway table.
func (s *Store) Replace(cfg config.Config, httpClient *http.Client) error {
	table := make(map[string]*Gateway, len(cfg.Gateways))
	for _, gwCfg := range cfg.Gateways {
		client, err := upstream.NewClient(gwCfg.Upstream.BaseURL, gwCfg.Upstream.APIKey, httpClient)
		if err != nil {
			return fmt.Errorf("gateway %s: %w", gwCfg.ID, err)
		}
		table[gwCfg.ID] = &Gateway{
			ID:        gwCfg.ID,
			Mapper:    transcode.NewModelMapper(gwCfg.Models),
			Client:    client,
			authToken: gwCfg.AuthToken,
		}
	}

	s.table.Store(&table)
	return nil
}

// Lookup resolves a gateway id against the current snapshot.
func (s *Store) Lookup(id string) (*Gateway, error) {
	table := s.table.Load()
	if table == nil {
		return nil, ErrNotFound
	}
	gw, ok := (*table)[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return gw, nil
}
