// Package memory indexes completed conversation exchanges for full-text recall.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"

	"github.com/vinayprograms/conclave/internal/generate"
)

// Exchange is one user message and the reply to it.
type Exchange struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	User           string    `json:"user"`
	Assistant      string    `json:"assistant"`
	Content        string    `json:"content"`
	Keywords       []string  `json:"keywords"`
	CreatedAt      time.Time `json:"created_at"`
}

// Hit is a recalled exchange with its relevance score in [0,1).
type Hit struct {
	Exchange
	Score float64
}

// Index is a bleve-backed exchange index.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
	path  string
}

// Open opens or creates the index under dir. An empty dir creates an
// in-memory index.
func Open(dir string) (*Index, error) {
	if dir == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
		return &Index{index: idx}, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	path := filepath.Join(dir, "exchanges.bleve")

	var idx bleve.Index
	var err error
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create bleve index: %w", err)
		}
	} else {
		idx, err = bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bleve index: %w", err)
		}
	}
	return &Index{index: idx, path: path}, nil
}

// buildIndexMapping creates the exchange mapping.
func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("user", textFieldMapping)
	docMapping.AddFieldMappingsAt("assistant", textFieldMapping)
	docMapping.AddFieldMappingsAt("keywords", textFieldMapping)
	docMapping.AddFieldMappingsAt("conversation_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("created_at", dateFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// Add indexes one exchange.
func (x *Index) Add(ctx context.Context, conversationID, user, assistant string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	content := strings.TrimSpace(user + "\n" + assistant)
	doc := Exchange{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		User:           user,
		Assistant:      assistant,
		Content:        content,
		Keywords:       extractKeywords(content),
		CreatedAt:      time.Now(),
	}
	if err := x.index.Index(doc.ID, doc); err != nil {
		return "", fmt.Errorf("failed to index exchange: %w", err)
	}
	return doc.ID, nil
}

// AddTranscript indexes every completed user/assistant pair of a transcript.
func (x *Index) AddTranscript(ctx context.Context, conversationID string, transcript []generate.Message) (int, error) {
	var pendingUser string
	added := 0
	for _, m := range transcript {
		switch m.Role {
		case generate.RoleUser:
			pendingUser = m.Content
		case generate.RoleAssistant:
			if pendingUser == "" {
				continue
			}
			if _, err := x.Add(ctx, conversationID, pendingUser, m.Content); err != nil {
				return added, err
			}
			added++
			pendingUser = ""
		}
	}
	return added, nil
}

// Search returns exchanges relevant to text, best first. Exchanges of
// excludeConversation are skipped so a conversation does not recall itself.
func (x *Index) Search(ctx context.Context, text string, limit int, excludeConversation string) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if limit <= 0 {
		limit = 5
	}

	req := bleve.NewSearchRequest(buildQuery(text))
	req.Size = limit * 2
	req.Fields = []string{"*"}

	result, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	var hits []Hit
	for _, h := range result.Hits {
		ex := exchangeFromFields(h.ID, h.Fields)
		if excludeConversation != "" && ex.ConversationID == excludeConversation {
			continue
		}
		score := h.Score
		score = score / (1 + score)
		hits = append(hits, Hit{Exchange: ex, Score: score})
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// Recent returns the newest exchanges, newest first.
func (x *Index) Recent(ctx context.Context, limit int) ([]Exchange, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if limit <= 0 {
		limit = 5
	}
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = limit
	req.Fields = []string{"*"}
	req.SortBy([]string{"-created_at"})

	result, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	out := make([]Exchange, 0, len(result.Hits))
	for _, h := range result.Hits {
		out = append(out, exchangeFromFields(h.ID, h.Fields))
	}
	return out, nil
}

// Count returns the number of indexed exchanges.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.index.DocCount()
}

// Forget deletes an exchange by ID.
func (x *Index) Forget(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Delete(id)
}

// Close closes the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Close()
}

// buildQuery matches the raw text or any of its keywords.
func buildQuery(text string) query.Query {
	keywords := extractKeywords(text)
	if len(keywords) == 0 {
		return bleve.NewMatchQuery(text)
	}
	queries := []query.Query{bleve.NewMatchQuery(text)}
	for _, k := range keywords {
		q := bleve.NewMatchQuery(k)
		q.SetField("keywords")
		queries = append(queries, q)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

func exchangeFromFields(id string, fields map[string]interface{}) Exchange {
	ex := Exchange{ID: id}
	ex.ConversationID, _ = fields["conversation_id"].(string)
	ex.User, _ = fields["user"].(string)
	ex.Assistant, _ = fields["assistant"].(string)
	ex.Content, _ = fields["content"].(string)
	if ts, ok := fields["created_at"].(string); ok {
		ex.CreatedAt, _ = time.Parse(time.RFC3339, ts)
	}

	// Multi-valued fields come back as a string or []interface{}
	switch kw := fields["keywords"].(type) {
	case string:
		ex.Keywords = []string{kw}
	case []interface{}:
		for _, v := range kw {
			if s, ok := v.(string); ok {
				ex.Keywords = append(ex.Keywords, s)
			}
		}
	}
	return ex
}

// extractKeywords lowercases text and keeps distinct non-stopword tokens.
func extractKeywords(text string) []string {
	text = strings.ToLower(text)
	for _, p := range []string{".", ",", "!", "?", ":", ";", "(", ")", "[", "]", "{", "}", "\"", "'", "-", "_", "/", "\\"} {
		text = strings.ReplaceAll(text, p, " ")
	}

	seen := make(map[string]bool)
	var keywords []string
	for _, word := range strings.Fields(text) {
		if len(word) < 3 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}
	return keywords
}

var stopWords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true, "from": true,
	"was": true, "are": true, "were": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "must": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "its": true, "you": true, "she": true,
	"they": true, "them": true, "what": true, "about": true, "your": true,
}
