package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrSchemaNotFound is returned when the registry has no schema for an id.
var ErrSchemaNotFound = errors.New("schema not found")

// Schema is a schema definition as served by the registry.
type Schema struct {
	ID       int      `json:"id"`
	Subjects []string `json:"subjects,omitempty"`
	Schema   string   `json:"schema"`
	Type     string   `json:"schemaType"` // AVRO, PROTOBUF, JSON; empty means AVRO
}

// Subject returns the first subject the schema is registered under.
func (s *Schema) Subject() string {
	if len(s.Subjects) == 0 {
		return ""
	}
	return s.Subjects[0]
}

// Registry resolves schema ids found in Confluent wire-format payloads.
type Registry interface {
	GetByID(ctx context.Context, id int) (*Schema, error)
}

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ConfluentRegistry implements Registry against the Confluent Schema
// Registry HTTP API. Lookups are cached per schema id.
type ConfluentRegistry struct {
	baseURL string
	client  HTTPClient
	mu      sync.RWMutex
	cache   map[int]*cachedSchema
	ttl     time.Duration
	clock   func() time.Time
}

type cachedSchema struct {
	schema    *Schema
	fetchedAt time.Time
}

// RegistryOption configures the ConfluentRegistry.
type RegistryOption func(*ConfluentRegistry)

// WithCacheTTL sets the cache TTL.
func WithCacheTTL(ttl time.Duration) RegistryOption {
	return func(r *ConfluentRegistry) { r.ttl = ttl }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c HTTPClient) RegistryOption {
	return func(r *ConfluentRegistry) { r.client = c }
}

// WithRegistryClock sets the clock function (for testing).
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *ConfluentRegistry) { r.clock = clock }
}

// NewConfluentRegistry creates a registry client rooted at baseURL.
func NewConfluentRegistry(baseURL string, opts ...RegistryOption) (*ConfluentRegistry, error) {
	if baseURL == "" {
		return nil, errors.New("schema registry base URL is required")
	}
	r := &ConfluentRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		cache:   make(map[int]*cachedSchema),
		ttl:     5 * time.Minute,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// GetByID retrieves a schema and the subjects it is registered under.
// Unknown ids return an error wrapping ErrSchemaNotFound.
func (r *ConfluentRegistry) GetByID(ctx context.Context, id int) (*Schema, error) {
	if s := r.fromCache(id); s != nil {
		return s, nil
	}

	var schema Schema
	if err := r.fetch(ctx, fmt.Sprintf("%s/schemas/ids/%d", r.baseURL, id), &schema); err != nil {
		return nil, fmt.Errorf("get schema by id %d: %w", id, err)
	}
	var subjects []string
	if err := r.fetch(ctx, fmt.Sprintf("%s/schemas/ids/%d/subjects", r.baseURL, id), &subjects); err != nil {
		return nil, fmt.Errorf("get subjects for schema id %d: %w", id, err)
	}
	schema.ID = id
	schema.Subjects = subjects

	r.toCache(id, &schema)
	return &schema, nil
}

func (r *ConfluentRegistry) fetch(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.schemaregistry.v1+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSchemaNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (r *ConfluentRegistry) fromCache(id int) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cached, ok := r.cache[id]
	if !ok {
		return nil
	}
	if r.clock().Sub(cached.fetchedAt) > r.ttl {
		return nil
	}
	return cached.schema
}

func (r *ConfluentRegistry) toCache(id int, schema *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[id] = &cachedSchema{
		schema:    schema,
		fetchedAt: r.clock(),
	}
}
