// Package lexical implements BM25 retrieval against an OpenSearch-compatible
// index, one index per dataset. The visibility frame is compiled into the
// query itself so the server never ranks inadmissible documents.
package lexical

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/iurislab/relator/internal/httpclient"
	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// Client is a thin OpenSearch-DSL client. Ingestion services use BulkIndex
// and EnsureIndex; the pipeline only searches.
type Client struct {
	cfg    *config.LexicalConfig
	http   *httpclient.Client
	logger *slog.Logger
}

func NewClient(cfg *config.LexicalConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(httpclient.ParseRetryAfterHeader),
		httpclient.WithLogger(logger),
	}
	if cfg.InsecureSkipVerify || cfg.CACertificate != "" {
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			CACertificate:      cfg.CACertificate,
		}))
	}

	return &Client{cfg: cfg, http: httpclient.New(opts...), logger: logger}
}

// IndexFor maps a dataset to its index name.
func (c *Client) IndexFor(dataset retrieval.SourceType) string {
	if name, ok := c.cfg.Indices[string(dataset)]; ok && name != "" {
		return name
	}
	return c.cfg.IndexPrefix + "-" + string(dataset)
}

// document is the indexed shape of a chunk. ExpireAt is a pointer so
// non-expiring documents omit the field and match the no-expiry clause.
type document struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Dataset    string `json:"dataset"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`

	Title    string `json:"title,omitempty"`
	Citation string `json:"citation,omitempty"`
	Court    string `json:"court,omitempty"`
	Article  string `json:"article,omitempty"`
	Date     string `json:"date,omitempty"`
	Page     int    `json:"page,omitempty"`

	Visibility documentVisibility `json:"visibility"`
}

type documentVisibility struct {
	TenantID string     `json:"tenant_id"`
	Scope    string     `json:"scope"`
	CaseID   string     `json:"case_id,omitempty"`
	GroupIDs []string   `json:"group_ids,omitempty"`
	Shared   bool       `json:"shared"`
	Sigilo   bool       `json:"sigilo"`
	ExpireAt *time.Time `json:"expire_at,omitempty"`
}

func toDocument(chunk retrieval.Chunk) document {
	doc := document{
		ChunkID:    chunk.ID,
		DocumentID: chunk.DocumentID,
		Dataset:    string(chunk.Dataset),
		Ordinal:    chunk.Ordinal,
		Text:       chunk.Text,
		Title:      chunk.Meta.Title,
		Citation:   chunk.Meta.Citation,
		Court:      chunk.Meta.Court,
		Article:    chunk.Meta.Article,
		Date:       chunk.Meta.Date,
		Page:       chunk.Meta.Page,
		Visibility: documentVisibility{
			TenantID: chunk.Visibility.TenantID,
			Scope:    string(chunk.Visibility.Scope),
			CaseID:   chunk.Visibility.CaseID,
			GroupIDs: chunk.Visibility.GroupIDs,
			Shared:   chunk.Visibility.Shared,
			Sigilo:   chunk.Visibility.Sigilo,
		},
	}
	if !chunk.Visibility.ExpireAt.IsZero() {
		t := chunk.Visibility.ExpireAt
		doc.Visibility.ExpireAt = &t
	}
	return doc
}

func (d document) toChunk() retrieval.Chunk {
	chunk := retrieval.Chunk{
		ID:         d.ChunkID,
		DocumentID: d.DocumentID,
		Dataset:    retrieval.SourceType(d.Dataset),
		Ordinal:    d.Ordinal,
		Text:       d.Text,
		Meta: retrieval.ChunkMeta{
			Title:    d.Title,
			Citation: d.Citation,
			Court:    d.Court,
			Article:  d.Article,
			Date:     d.Date,
			Page:     d.Page,
		},
		Visibility: visibility.DocumentVisibility{
			TenantID: d.Visibility.TenantID,
			Scope:    visibility.Scope(d.Visibility.Scope),
			CaseID:   d.Visibility.CaseID,
			GroupIDs: d.Visibility.GroupIDs,
			Shared:   d.Visibility.Shared,
			Sigilo:   d.Visibility.Sigilo,
		},
	}
	if d.Visibility.ExpireAt != nil {
		chunk.Visibility.ExpireAt = *d.Visibility.ExpireAt
	}
	return chunk
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string   `json:"_id"`
			Score  float64  `json:"_score"`
			Source document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Error *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

type Hit struct {
	Chunk retrieval.Chunk
	Score float64
}

// Search runs one query body against one index.
func (c *Client) Search(ctx context.Context, index string, body map[string]any) ([]Hit, error) {
	var resp searchResponse
	err := c.http.DoJSON(ctx, http.MethodPost, c.searchURL(index), c.headers(), body, &resp)
	if err != nil {
		return nil, fmt.Errorf("lexical search %s: %w", index, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("lexical search %s: %s: %s", index, resp.Error.Type, resp.Error.Reason)
	}

	hits := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		hits = append(hits, Hit{Chunk: h.Source.toChunk(), Score: h.Score})
	}
	return hits, nil
}

// EnsureIndex creates the dataset index with the chunk mapping when absent.
func (c *Client) EnsureIndex(ctx context.Context, dataset retrieval.SourceType) error {
	index := c.IndexFor(dataset)

	err := c.http.DoJSON(ctx, http.MethodPut, c.indexURL(index), c.headers(), indexMapping(), nil)
	if err != nil {
		// Re-creating an existing index is not an error.
		if strings.Contains(err.Error(), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("lexical ensure index %s: %w", index, err)
	}
	c.logger.Info("created lexical index", "index", index)
	return nil
}

// BulkIndex writes chunks through the _bulk API with chunk id as _id, so
// re-indexing a document is idempotent.
func (c *Client) BulkIndex(ctx context.Context, dataset retrieval.SourceType, chunks []retrieval.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	index := c.IndexFor(dataset)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, chunk := range chunks {
		action := map[string]any{"index": map[string]any{"_index": index, "_id": chunk.ID}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("lexical bulk encode: %w", err)
		}
		if err := enc.Encode(toDocument(chunk)); err != nil {
			return fmt.Errorf("lexical bulk encode: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/_bulk", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("lexical bulk: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	c.applyAuth(req)

	resp, err := c.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("lexical bulk: status %d: %s", resp.StatusCode, raw)
		}
	}
	if err != nil {
		return fmt.Errorf("lexical bulk: %w", err)
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("lexical bulk decode: %w", err)
	}
	if result.Errors {
		for _, item := range result.Items {
			for _, op := range item {
				if op.Error != nil {
					return fmt.Errorf("lexical bulk item failed: %s", op.Error.Reason)
				}
			}
		}
		return fmt.Errorf("lexical bulk reported item errors")
	}
	return nil
}

// Refresh makes indexed documents searchable immediately. Tests and small
// ingestion batches use it; production ingestion relies on the interval.
func (c *Client) Refresh(ctx context.Context, dataset retrieval.SourceType) error {
	index := c.IndexFor(dataset)
	err := c.http.DoJSON(ctx, http.MethodPost, c.indexURL(index)+"/_refresh", c.headers(), nil, nil)
	if err != nil {
		return fmt.Errorf("lexical refresh %s: %w", index, err)
	}
	return nil
}

func (c *Client) searchURL(index string) string {
	return fmt.Sprintf("%s/%s/_search", c.cfg.Endpoint, index)
}

func (c *Client) indexURL(index string) string {
	return fmt.Sprintf("%s/%s", c.cfg.Endpoint, index)
}

func (c *Client) headers() map[string]string {
	if c.cfg.Username == "" {
		return nil
	}
	return map[string]string{"Authorization": basicAuth(c.cfg.Username, c.cfg.Password)}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}
