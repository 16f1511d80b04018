// Package indexer 把归档后的章节切块、向量化，写入知识条目表和向量库。
//
// 索引分两步：Prepare 只调用 Embedding 接口，不产生任何持久化副作用；
// Commit 先清掉该文件已有的条目和向量再写入，重复执行结果相同。
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/pkg/embedding"
	"bidding-kb-go/pkg/log"
)

// ErrIndex 标记索引阶段的失败。
var ErrIndex = errors.New("index failed")

const batchSize = 100

// VectorStore 是向量库的写入端。
type VectorStore interface {
	Upsert(ctx context.Context, docs []model.EsDocument) error
	DeleteByFile(ctx context.Context, fileID string) error
}

type Options struct {
	ChunkSize     int
	ChunkOverlap  int
	MinBodyLength int
}

type Indexer struct {
	embedder embedding.Client
	vectors  VectorStore
	tx       repository.TxManager
	chunker  *Chunker
	minBody  int
}

func New(embedder embedding.Client, vectors VectorStore, tx repository.TxManager, counter TokenCounter, opts Options) *Indexer {
	if opts.MinBodyLength <= 0 {
		opts.MinBodyLength = 40
	}
	return &Indexer{
		embedder: embedder,
		vectors:  vectors,
		tx:       tx,
		chunker:  NewChunker(counter, opts.ChunkSize, opts.ChunkOverlap),
		minBody:  opts.MinBodyLength,
	}
}

// Prepared 是已经完成向量化、等待写入的条目。
type Prepared struct {
	FileID  string
	Entries []*model.KnowledgeEntry
	Docs    []model.EsDocument
}

type pendingChunk struct {
	chapter *model.ChapterRecord
	key     string
	title   string
	content string
}

// Prepare 对正文足够长的章节切块并逐块调用 Embedding。任何一块失败都会放弃整个文件。
func (ix *Indexer) Prepare(ctx context.Context, file *model.FileRecord, chapters []model.ChapterRecord) (*Prepared, error) {
	var pending []pendingChunk
	for i := range chapters {
		ch := &chapters[i]
		own := strings.TrimSpace(ch.OwnText)
		if utf8.RuneCountInString(own) < ix.minBody {
			continue
		}
		pieces := ix.chunker.Split(own)
		for k, piece := range pieces {
			title := ch.Title
			if len(pieces) > 1 {
				title = fmt.Sprintf("%s#%d", ch.Title, k+1)
			}
			pending = append(pending, pendingChunk{
				chapter: ch,
				key:     fmt.Sprintf("%d-%d", ch.Position, k),
				title:   title,
				content: piece,
			})
		}
	}

	out := &Prepared{FileID: file.ID}
	for _, p := range pending {
		vec, err := ix.embedder.CreateEmbedding(ctx, p.title+"\n"+p.content)
		if err != nil {
			return nil, fmt.Errorf("%w: embed chunk %s of %s: %w", ErrIndex, p.key, file.ID, err)
		}
		keywords := Keywords(p.title + "\n" + p.content)
		importance := Importance(p.title, p.content, p.chapter.Level)
		chapterID := p.chapter.ID

		out.Entries = append(out.Entries, &model.KnowledgeEntry{
			FileID:         file.ID,
			ChapterID:      &chapterID,
			ChunkKey:       p.key,
			Title:          p.title,
			Content:        p.content,
			Category:       file.Category,
			Importance:     importance,
			Keywords:       model.EncodeKeywords(keywords),
			EmbeddingModel: ix.embedder.Model(),
			Dimensions:     len(vec),
		})
		out.Docs = append(out.Docs, model.EsDocument{
			VectorID:       model.VectorDocumentID(file.ID, p.key),
			FileID:         file.ID,
			ChapterID:      &chapterID,
			ChunkKey:       p.key,
			Title:          p.title,
			Content:        p.content,
			Category:       file.Category,
			Importance:     importance,
			Keywords:       keywords,
			Vector:         vec,
			EmbeddingModel: ix.embedder.Model(),
		})
	}
	log.Infof("[Indexer] 向量化完成, file_id: %s, chunks: %d", file.ID, len(out.Entries))
	return out, nil
}

// Commit 清掉旧条目和旧向量后写入新的。失败时再清一次，避免留下半套数据。
func (ix *Indexer) Commit(ctx context.Context, p *Prepared) error {
	if err := ix.commit(ctx, p); err != nil {
		if purgeErr := ix.Purge(ctx, p.FileID); purgeErr != nil {
			log.Error(fmt.Sprintf("[Indexer] 提交失败后清理残留数据失败, file_id: %s", p.FileID), purgeErr)
		}
		return fmt.Errorf("%w: commit %s: %w", ErrIndex, p.FileID, err)
	}
	log.Infof("[Indexer] 写入完成, file_id: %s, entries: %d", p.FileID, len(p.Entries))
	return nil
}

func (ix *Indexer) commit(ctx context.Context, p *Prepared) error {
	if err := ix.vectors.DeleteByFile(ctx, p.FileID); err != nil {
		return fmt.Errorf("delete old vectors: %w", err)
	}
	err := ix.tx.Transaction(ctx, func(repos repository.Repositories) error {
		if err := repos.Knowledge.DeleteByFile(ctx, p.FileID); err != nil {
			return err
		}
		return repos.Knowledge.BatchCreate(ctx, p.Entries)
	})
	if err != nil {
		return fmt.Errorf("write knowledge entries: %w", err)
	}
	for start := 0; start < len(p.Docs); start += batchSize {
		end := min(start+batchSize, len(p.Docs))
		if err := ix.vectors.Upsert(ctx, p.Docs[start:end]); err != nil {
			return fmt.Errorf("upsert vectors: %w", err)
		}
	}
	return nil
}

// Purge 删除某个文件的全部知识条目和向量。
func (ix *Indexer) Purge(ctx context.Context, fileID string) error {
	var errs []error
	if err := ix.vectors.DeleteByFile(ctx, fileID); err != nil {
		errs = append(errs, fmt.Errorf("delete vectors: %w", err))
	}
	err := ix.tx.Transaction(ctx, func(repos repository.Repositories) error {
		return repos.Knowledge.DeleteByFile(ctx, fileID)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("delete knowledge entries: %w", err))
	}
	return errors.Join(errs...)
}
