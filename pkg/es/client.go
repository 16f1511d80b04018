// Package es 提供了与 Elasticsearch 交互的客户端功能，作为知识条目的向量库。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"bidding-kb-go/internal/config"
	"bidding-kb-go/internal/model"
	"bidding-kb-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// NewClient 初始化 Elasticsearch 客户端
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// Store 是基于 dense_vector 的向量库。
type Store struct {
	client *elasticsearch.Client
	index  string
}

func NewStore(client *elasticsearch.Client, index string) *Store {
	return &Store{client: client, index: index}
}

// Hit 是一条检索命中，Doc 中不含向量。
type Hit struct {
	Doc   model.EsDocument
	Score float64
}

const indexMapping = `{
	"mappings": {
		"properties": {
			"vector_id": { "type": "keyword" },
			"file_id": { "type": "keyword" },
			"chapter_id": { "type": "long" },
			"chunk_key": { "type": "keyword" },
			"title": { "type": "text" },
			"content": { "type": "text" },
			"category": { "type": "keyword" },
			"importance": { "type": "float" },
			"keywords": { "type": "keyword" },
			"vector": {
				"type": "dense_vector",
				"dims": %d,
				"index": true,
				"similarity": "cosine"
			},
			"embedding_model": { "type": "keyword" }
		}
	}
}`

// EnsureIndex 检查索引是否存在，如果不存在则按维度创建它
func (s *Store) EnsureIndex(ctx context.Context, dims int) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{s.index}}.Do(ctx, s.client)
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", s.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = esapi.IndicesCreateRequest{
		Index: s.index,
		Body:  strings.NewReader(fmt.Sprintf(indexMapping, dims)),
	}.Do(ctx, s.client)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", s.index, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", s.index, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}
	log.Infof("索引 '%s' 创建成功", s.index)
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Upsert 以 vector_id 作为文档 id 批量写入，同 id 覆盖。
func (s *Store) Upsert(ctx context.Context, docs []model.EsDocument) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		meta := map[string]any{"index": map[string]any{"_index": s.index, "_id": doc.VectorID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}

	res, err := esapi.BulkRequest{
		Index:   s.index,
		Body:    &buf,
		Refresh: "true",
	}.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("批量写入 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to bulk index documents")
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if br.Errors {
		for _, item := range br.Items {
			for _, r := range item {
				if r.Status >= 300 {
					return fmt.Errorf("bulk index %s failed: %s %s", r.ID, r.Error.Type, r.Error.Reason)
				}
			}
		}
		return errors.New("bulk index reported errors")
	}
	return nil
}

// DeleteByFile 删除某个文件的全部向量，索引不存在视为成功。
func (s *Store) DeleteByFile(ctx context.Context, fileID string) error {
	body, _ := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"file_id": fileID}},
	})
	refresh := true
	res, err := esapi.DeleteByQueryRequest{
		Index:     []string{s.index},
		Body:      bytes.NewReader(body),
		Refresh:   &refresh,
		Conflicts: "proceed",
	}.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		log.Errorf("按文件删除向量出错, file_id: %s, response: %s", fileID, res.String())
		return fmt.Errorf("delete vectors of %s failed: %s", fileID, res.Status())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64          `json:"_score"`
			Source model.EsDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search 执行 knn 检索，category 为空表示不过滤。
func (s *Store) Search(ctx context.Context, vector []float32, k int, category string) ([]Hit, error) {
	knn := map[string]any{
		"field":          "vector",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": max(k*10, 100),
	}
	if category != "" {
		knn["filter"] = map[string]any{"term": map[string]any{"category": category}}
	}
	body, err := json.Marshal(map[string]any{
		"knn":     knn,
		"size":    k,
		"_source": map[string]any{"excludes": []string{"vector"}},
	})
	if err != nil {
		return nil, err
	}

	res, err := esapi.SearchRequest{
		Index: []string{s.index},
		Body:  bytes.NewReader(body),
	}.Do(ctx, s.client)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("knn search failed: %s %s", res.Status(), string(raw))
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	hits := make([]Hit, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		hits = append(hits, Hit{Doc: h.Source, Score: h.Score})
	}
	return hits, nil
}

// CosineFromScore 把 cosine 相似度索引的得分 (1+cos)/2 还原为余弦值。
func CosineFromScore(score float64) float64 {
	return 2*score - 1
}
