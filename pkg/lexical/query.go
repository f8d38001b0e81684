package lexical

import (
	"encoding/base64"

	"github.com/iurislab/relator/pkg/visibility"
)

// searchFields weight citation-bearing metadata above body text so statute
// and súmula lookups rank the cited article first.
var searchFields = []string{"text", "title^2", "article^2", "citation^3"}

// SearchBody builds the ranked query for one index: BM25 multi_match plus
// the compiled visibility filter.
func SearchBody(text string, topK int, operator string, scope visibility.QueryScope) map[string]any {
	return map[string]any{
		"size": topK,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{
						"multi_match": map[string]any{
							"query":    text,
							"fields":   searchFields,
							"operator": operator,
						},
					},
				},
				"filter": VisibilityFilter(scope),
			},
		},
	}
}

// SiblingsBody selects the ordinal window around one chunk of one document,
// ordered by position.
func SiblingsBody(documentID string, ordinal, window int, scope visibility.QueryScope) map[string]any {
	low := ordinal - window
	if low < 0 {
		low = 0
	}
	return map[string]any{
		"size": 2*window + 1,
		"sort": []any{map[string]any{"ordinal": "asc"}},
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"document_id": documentID}},
					map[string]any{"range": map[string]any{"ordinal": map[string]any{
						"gte": low,
						"lte": ordinal + window,
					}}},
				},
				"filter": VisibilityFilter(scope),
			},
		},
	}
}

// VisibilityFilter compiles a query scope into bool clauses that admit
// exactly the documents visibility.QueryScope.Admits would. Kept in one
// place so the agreement is auditable.
func VisibilityFilter(scope visibility.QueryScope) []any {
	var scopeClauses []any

	// private: owned by the requesting tenant.
	scopeClauses = append(scopeClauses, map[string]any{
		"bool": map[string]any{
			"filter": []any{
				term("visibility.scope", string(visibility.ScopePrivate)),
				term("visibility.tenant_id", scope.TenantID),
			},
		},
	})

	if scope.AllowGlobal {
		scopeClauses = append(scopeClauses, term("visibility.scope", string(visibility.ScopeGlobal)))
	}

	if scope.AllowGroup && len(scope.GroupIDs) > 0 {
		scopeClauses = append(scopeClauses, map[string]any{
			"bool": map[string]any{
				"filter": []any{
					term("visibility.scope", string(visibility.ScopeGroup)),
					term("visibility.shared", true),
					map[string]any{"terms": map[string]any{"visibility.group_ids": scope.GroupIDs}},
				},
			},
		})
	}

	if scope.AllowLocal && scope.CaseID != "" {
		scopeClauses = append(scopeClauses, map[string]any{
			"bool": map[string]any{
				"filter": []any{
					term("visibility.scope", string(visibility.ScopeLocal)),
					term("visibility.tenant_id", scope.TenantID),
					term("visibility.case_id", scope.CaseID),
				},
			},
		})
	}

	return []any{
		// sigilo documents are never admissible, any scope.
		map[string]any{"bool": map[string]any{
			"must_not": []any{term("visibility.sigilo", true)},
		}},
		// not expired: either no expiry or expiry in the future.
		map[string]any{"bool": map[string]any{
			"should": []any{
				map[string]any{"bool": map[string]any{
					"must_not": []any{map[string]any{"exists": map[string]any{"field": "visibility.expire_at"}}},
				}},
				map[string]any{"range": map[string]any{"visibility.expire_at": map[string]any{"gt": "now"}}},
			},
			"minimum_should_match": 1,
		}},
		// at least one enabled scope admits the document.
		map[string]any{"bool": map[string]any{
			"should":               scopeClauses,
			"minimum_should_match": 1,
		}},
	}
}

func term(field string, value any) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

// indexMapping is the index template applied by EnsureIndex: identifiers and
// visibility attributes are keywords, text fields analyzed for BM25.
func indexMapping() map[string]any {
	keyword := map[string]any{"type": "keyword"}
	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"number_of_shards":   1,
				"number_of_replicas": 1,
			},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"chunk_id":    keyword,
				"document_id": keyword,
				"dataset":     keyword,
				"ordinal":     map[string]any{"type": "integer"},
				"text":        map[string]any{"type": "text"},
				"title":       map[string]any{"type": "text"},
				"citation":    map[string]any{"type": "text", "fields": map[string]any{"raw": keyword}},
				"court":       keyword,
				"article":     map[string]any{"type": "text"},
				"date":        keyword,
				"page":        map[string]any{"type": "integer"},
				"visibility": map[string]any{
					"properties": map[string]any{
						"tenant_id": keyword,
						"scope":     keyword,
						"case_id":   keyword,
						"group_ids": keyword,
						"shared":    map[string]any{"type": "boolean"},
						"sigilo":    map[string]any{"type": "boolean"},
						"expire_at": map[string]any{"type": "date"},
					},
				},
			},
		},
	}
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
