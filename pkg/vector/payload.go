package vector

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// Payload keys shared by every backend. Values stay flat so stores with
// restricted metadata models (Pinecone, chromem) can hold them verbatim.
const (
	keyChunkID    = "chunk_id"
	keyDocumentID = "document_id"
	keyDataset    = "dataset"
	keyOrdinal    = "ordinal"
	keyText       = "text"
	keyTitle      = "title"
	keyCitation   = "citation"
	keyCourt      = "court"
	keyArticle    = "article"
	keyDate       = "date"
	keyPage       = "page"
	keyExtra      = "extra"
	keyTenantID   = "tenant_id"
	keyScope      = "scope"
	keyCaseID     = "case_id"
	keyGroupIDs   = "group_ids"
	keyShared     = "shared"
	keySigilo     = "sigilo"
	keyExpireAt   = "expire_at_unix"
)

// payload flattens a chunk into store metadata. expire_at_unix is omitted
// for non-expiring documents so the store-side "no expiry" clause can test
// field absence.
func payload(c retrieval.Chunk) map[string]any {
	m := map[string]any{
		keyChunkID:    c.ID,
		keyDocumentID: c.DocumentID,
		keyDataset:    string(c.Dataset),
		keyOrdinal:    c.Ordinal,
		keyText:       c.Text,
		keyTenantID:   c.Visibility.TenantID,
		keyScope:      string(c.Visibility.Scope),
		keyShared:     c.Visibility.Shared,
		keySigilo:     c.Visibility.Sigilo,
	}
	if c.Meta.Title != "" {
		m[keyTitle] = c.Meta.Title
	}
	if c.Meta.Citation != "" {
		m[keyCitation] = c.Meta.Citation
	}
	if c.Meta.Court != "" {
		m[keyCourt] = c.Meta.Court
	}
	if c.Meta.Article != "" {
		m[keyArticle] = c.Meta.Article
	}
	if c.Meta.Date != "" {
		m[keyDate] = c.Meta.Date
	}
	if c.Meta.Page != 0 {
		m[keyPage] = c.Meta.Page
	}
	if len(c.Meta.Extra) > 0 {
		if b, err := json.Marshal(c.Meta.Extra); err == nil {
			m[keyExtra] = string(b)
		}
	}
	if c.Visibility.CaseID != "" {
		m[keyCaseID] = c.Visibility.CaseID
	}
	if len(c.Visibility.GroupIDs) > 0 {
		ids := make([]any, len(c.Visibility.GroupIDs))
		for i, g := range c.Visibility.GroupIDs {
			ids[i] = g
		}
		m[keyGroupIDs] = ids
	}
	if !c.Visibility.ExpireAt.IsZero() {
		m[keyExpireAt] = c.Visibility.ExpireAt.Unix()
	}
	return m
}

// chunkFromPayload rebuilds a chunk from store metadata. Backends return
// numbers as int64 (gRPC) or float64 (JSON), so numeric fields decode both.
func chunkFromPayload(m map[string]any) retrieval.Chunk {
	c := retrieval.Chunk{
		ID:         asString(m[keyChunkID]),
		DocumentID: asString(m[keyDocumentID]),
		Dataset:    retrieval.SourceType(asString(m[keyDataset])),
		Ordinal:    int(asInt(m[keyOrdinal])),
		Text:       asString(m[keyText]),
		Meta: retrieval.ChunkMeta{
			Title:    asString(m[keyTitle]),
			Citation: asString(m[keyCitation]),
			Court:    asString(m[keyCourt]),
			Article:  asString(m[keyArticle]),
			Date:     asString(m[keyDate]),
			Page:     int(asInt(m[keyPage])),
		},
		Visibility: visibility.DocumentVisibility{
			TenantID: asString(m[keyTenantID]),
			Scope:    visibility.Scope(asString(m[keyScope])),
			CaseID:   asString(m[keyCaseID]),
			Shared:   asBool(m[keyShared]),
			Sigilo:   asBool(m[keySigilo]),
		},
	}
	if raw := asString(m[keyExtra]); raw != "" {
		var extra map[string]string
		if err := json.Unmarshal([]byte(raw), &extra); err == nil {
			c.Meta.Extra = extra
		}
	}
	if ids, ok := m[keyGroupIDs].([]any); ok {
		for _, id := range ids {
			if s := asString(id); s != "" {
				c.Visibility.GroupIDs = append(c.Visibility.GroupIDs, s)
			}
		}
	} else if ids, ok := m[keyGroupIDs].([]string); ok {
		c.Visibility.GroupIDs = append(c.Visibility.GroupIDs, ids...)
	}
	if unix := asInt(m[keyExpireAt]); unix != 0 {
		c.Visibility.ExpireAt = time.Unix(unix, 0).UTC()
	}
	return c
}

// stringMeta renders the payload with string values only, for backends whose
// metadata model is map[string]string. Lists are JSON-encoded.
func stringMeta(c retrieval.Chunk) map[string]string {
	flat := payload(c)
	m := make(map[string]string, len(flat))
	for k, v := range flat {
		switch val := v.(type) {
		case string:
			m[k] = val
		case bool:
			m[k] = strconv.FormatBool(val)
		case int:
			m[k] = strconv.Itoa(val)
		case int64:
			m[k] = strconv.FormatInt(val, 10)
		case []any:
			if b, err := json.Marshal(val); err == nil {
				m[k] = string(b)
			}
		}
	}
	return m
}

// chunkFromStringMeta is the inverse of stringMeta.
func chunkFromStringMeta(m map[string]string) retrieval.Chunk {
	flat := make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case keyOrdinal, keyPage, keyExpireAt:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				flat[k] = n
			}
		case keyShared, keySigilo:
			flat[k] = v == "true"
		case keyGroupIDs:
			var ids []any
			if err := json.Unmarshal([]byte(v), &ids); err == nil {
				flat[k] = ids
			}
		default:
			flat[k] = v
		}
	}
	return chunkFromPayload(flat)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	}
	return 0
}
