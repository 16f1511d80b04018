package model

// SearchResultDTO 定义了返回给调用方的语义检索结果。
type SearchResultDTO struct {
	FileID     string   `json:"fileId"`
	FileName   string   `json:"fileName"` // 原始文件名
	ChunkKey   string   `json:"chunkKey"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Category   Category `json:"category"`
	Importance float64  `json:"importance"`
	Keywords   []string `json:"keywords,omitempty"`
	Score      float64  `json:"score"`      // ES 原始得分
	Similarity float64  `json:"similarity"` // 余弦相似度，由 2*score-1 还原
}

// EsDocument 定义了存储在 Elasticsearch 中的知识条目文档。
type EsDocument struct {
	VectorID       string    `json:"vector_id"` // <file_id>_<chunk_key>
	FileID         string    `json:"file_id"`
	ChapterID      *uint     `json:"chapter_id,omitempty"`
	ChunkKey       string    `json:"chunk_key"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Category       Category  `json:"category"`
	Importance     float64   `json:"importance"`
	Keywords       []string  `json:"keywords"`
	Vector         []float32 `json:"vector"`
	EmbeddingModel string    `json:"embedding_model"`
}

// VectorDocumentID 返回知识条目在向量库中的文档 id。
func VectorDocumentID(fileID, chunkKey string) string {
	return fileID + "_" + chunkKey
}
