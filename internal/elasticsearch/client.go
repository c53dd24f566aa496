package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/DeafMist/indication-mapper/backend/internal/models"
	"github.com/DeafMist/indication-mapper/backend/internal/processing"
	"github.com/DeafMist/indication-mapper/backend/internal/store"
)

const indexMapping = `{
  "mappings": {
    "properties": {
      "id":         {"type": "keyword"},
      "run_id":     {"type": "keyword"},
      "drug_name":  {"type": "keyword"},
      "indication": {"type": "keyword"},
      "icd10_code": {"type": "keyword"},
      "position":   {"type": "integer"},
      "created_at": {"type": "date"}
    }
  }
}`

// Client wraps go-elasticsearch and keeps one index per drug.
type Client struct {
	es     *elasticsearch.Client
	suffix string
	log    *slog.Logger
}

var _ store.Backend = (*Client)(nil)

// New instantiates the Elasticsearch client. Index names are the drug name
// followed by suffix.
func New(addr, suffix string, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, suffix: suffix, log: logger}, nil
}

// IndexName returns the index holding the mappings of drug.
func (c *Client) IndexName(drug string) string {
	return processing.CollectionName(drug, c.suffix)
}

// Collection returns the mapping collection of drug.
func (c *Client) Collection(drug string) store.Collection {
	return &Collection{client: c, index: c.IndexName(drug)}
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// Close is a no-op; the transport holds no long-lived resources.
func (c *Client) Close() error {
	return nil
}

// EnsureIndex creates index with the mapping schema if it does not exist.
func (c *Client) EnsureIndex(ctx context.Context, index string) error {
	req := esapi.IndicesCreateRequest{
		Index: index,
		Body:  strings.NewReader(indexMapping),
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index failed: %s", strings.TrimSpace(string(body)))
	}

	c.log.Info("created index", slog.String("index", index))
	return nil
}

// Count returns the number of documents in index. A missing index counts as empty.
func (c *Client) Count(ctx context.Context, index string) (int64, error) {
	res, err := c.es.Count(
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(index),
		c.es.Count.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("count failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}

	return parsed.Count, nil
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// BulkCreate writes mappings with the create op type, so an existing
// document ID is reported as a conflict instead of being overwritten.
func (c *Client) BulkCreate(ctx context.Context, index string, mappings []models.Mapping) (int, error) {
	if len(mappings) == 0 {
		return 0, nil
	}

	if err := c.EnsureIndex(ctx, index); err != nil {
		return 0, err
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, m := range mappings {
		meta := map[string]any{"create": map[string]any{"_index": index, "_id": m.ID}}
		if err := enc.Encode(meta); err != nil {
			return 0, fmt.Errorf("marshal bulk meta: %w", err)
		}
		if err := enc.Encode(m); err != nil {
			return 0, fmt.Errorf("marshal mapping: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Index:   index,
		Body:    &body,
		Refresh: "wait_for",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return 0, fmt.Errorf("bulk create: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("bulk create failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Errors bool                  `json:"errors"`
		Items  []map[string]bulkItem `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode bulk response: %w", err)
	}

	created, conflicts := 0, 0
	var firstErr string
	for _, item := range parsed.Items {
		for _, result := range item {
			switch {
			case result.Status == http.StatusCreated || result.Status == http.StatusOK:
				created++
			case result.Status == http.StatusConflict:
				conflicts++
			case firstErr == "" && result.Error != nil:
				firstErr = result.Error.Type + ": " + result.Error.Reason
			case firstErr == "":
				firstErr = fmt.Sprintf("status %d", result.Status)
			}
		}
	}

	if failed := len(parsed.Items) - created - conflicts; failed > 0 {
		return created, fmt.Errorf("bulk create failed for %d of %d mappings: %s", failed, len(mappings), firstErr)
	}
	if conflicts > 0 {
		return created, fmt.Errorf("%w: %d of %d mappings in %s", store.ErrConflict, conflicts, len(mappings), index)
	}

	return created, nil
}

// SearchMappings filters the mappings of drug with case-insensitive
// substring matches on indication and code.
func (c *Client) SearchMappings(ctx context.Context, drug string, q models.MappingQuery) (*models.MappingPage, error) {
	if q.Size <= 0 {
		q.Size = 20
	}
	if q.Size > 200 {
		q.Size = 200
	}
	if q.From < 0 {
		q.From = 0
	}

	filters := make([]map[string]any, 0, 2)
	if q.Indication != "" {
		filters = append(filters, containsQuery("indication", q.Indication))
	}
	if q.ICD10Code != "" {
		filters = append(filters, containsQuery("icd10_code", q.ICD10Code))
	}

	boolQuery := map[string]any{}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	} else {
		boolQuery["must"] = []map[string]any{
			{"match_all": map[string]any{}},
		}
	}

	body := map[string]any{
		"from":             q.From,
		"size":             q.Size,
		"track_total_hits": true,
		"query": map[string]any{
			"bool": boolQuery,
		},
		"sort": []map[string]any{
			{"position": map[string]any{"order": "asc"}},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.IndexName(drug)),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, store.ErrDrugNotFound
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.Mapping `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]models.Mapping, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source)
	}

	return &models.MappingPage{
		Total: parsed.Hits.Total.Value,
		Items: items,
	}, nil
}

// GetMapping returns one mapping of drug by id.
func (c *Client) GetMapping(ctx context.Context, drug, id string) (*models.Mapping, error) {
	req := esapi.GetRequest{
		Index:      c.IndexName(drug),
		DocumentID: id,
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read get response: %w", err)
	}

	if res.StatusCode == http.StatusNotFound {
		if strings.Contains(string(data), "index_not_found_exception") {
			return nil, store.ErrDrugNotFound
		}
		return nil, store.ErrMappingNotFound
	}
	if res.IsError() {
		return nil, fmt.Errorf("get mapping failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Found  bool           `json:"found"`
		Source models.Mapping `json:"_source"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode get response: %w", err)
	}
	if !parsed.Found {
		return nil, store.ErrMappingNotFound
	}
	return &parsed.Source, nil
}

// Health checks cluster health.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("cluster health: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

func containsQuery(field, value string) map[string]any {
	return map[string]any{
		"wildcard": map[string]any{
			field: map[string]any{
				"value":            "*" + escapeWildcard(value) + "*",
				"case_insensitive": true,
			},
		},
	}
}

var wildcardEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)

func escapeWildcard(s string) string {
	return wildcardEscaper.Replace(s)
}

// Collection is the index of one drug.
type Collection struct {
	client *Client
	index  string
}

// Index returns the backing index name.
func (c *Collection) Index() string {
	return c.index
}

// EstimatedCount implements store.Collection.
func (c *Collection) EstimatedCount(ctx context.Context) (int64, error) {
	return c.client.Count(ctx, c.index)
}

// InsertMany implements store.Collection.
func (c *Collection) InsertMany(ctx context.Context, mappings []models.Mapping) (int, error) {
	return c.client.BulkCreate(ctx, c.index, mappings)
}
