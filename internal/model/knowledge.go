package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// KnowledgeEntry 对应于数据库中的 knowledge_entries 表。
// 向量本身存放在 Elasticsearch，文档 id 为 <file_id>_<chunk_key>。
type KnowledgeEntry struct {
	ID             uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID         string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_entry_file_chunk,priority:1" json:"fileId"`
	ChapterID      *uint          `json:"chapterId,omitempty"`
	ChunkKey       string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_entry_file_chunk,priority:2" json:"chunkKey"`
	Title          string         `gorm:"type:varchar(300)" json:"title"`
	Content        string         `gorm:"type:longtext" json:"content"`
	Category       Category       `gorm:"type:varchar(16);index" json:"category"`
	Importance     float64        `json:"importance"`
	Keywords       datatypes.JSON `json:"keywords"`
	EmbeddingModel string         `gorm:"type:varchar(64)" json:"embeddingModel"`
	Dimensions     int            `json:"dimensions"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"createdAt"`
}

func (KnowledgeEntry) TableName() string {
	return "knowledge_entries"
}

// KeywordList 解析关键词列表。
func (e *KnowledgeEntry) KeywordList() []string {
	var kw []string
	if len(e.Keywords) > 0 {
		_ = json.Unmarshal(e.Keywords, &kw)
	}
	return kw
}

// EncodeKeywords 将关键词编码为 JSON 列。
func EncodeKeywords(kw []string) datatypes.JSON {
	if kw == nil {
		kw = []string{}
	}
	b, _ := json.Marshal(kw)
	return datatypes.JSON(b)
}
