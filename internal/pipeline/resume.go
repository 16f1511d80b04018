package pipeline

import (
	"context"
	"time"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/pkg/log"
	"bidding-kb-go/pkg/metrics"
	"bidding-kb-go/pkg/tasks"

	"github.com/robfig/cron/v3"
)

// 每轮最多重新投递的记录数。
const sweepBatch = 100

// Enqueuer 投递文件处理任务。
type Enqueuer interface {
	Enqueue(ctx context.Context, task tasks.FileTask) error
}

// Sweeper 定期把长时间停在非终态的记录重新投递，覆盖进程崩溃和消息丢失。
type Sweeper struct {
	files      repository.FileRepository
	queue      Enqueuer
	metrics    *metrics.Pipeline
	staleAfter time.Duration
	now        func() time.Time
	cron       *cron.Cron
}

// NewSweeper 创建恢复扫描，超过 staleAfter 未更新的记录视为中断。
func NewSweeper(files repository.FileRepository, queue Enqueuer, m *metrics.Pipeline, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		files:      files,
		queue:      queue,
		metrics:    m,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Start 按 cron 表达式启动扫描。
func (s *Sweeper) Start(spec string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			log.Error("[Sweeper] 恢复扫描失败", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Infof("[Sweeper] 恢复扫描已启动, schedule: %s, stale_after: %s", spec, s.staleAfter)
	return nil
}

// Stop 停止调度并等待正在执行的扫描结束。
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep 执行一轮扫描，返回重新投递的记录数。
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if n, err := s.files.CountByStatus(ctx, model.InFlightStatuses...); err == nil {
		s.metrics.SetBacklog(n)
	}

	stale, err := s.files.ListStale(ctx, model.ResumableStatuses, s.now().Add(-s.staleAfter), sweepBatch)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, rec := range stale {
		if err := s.queue.Enqueue(ctx, tasks.FileTask{FileID: rec.ID, Reason: tasks.ReasonResume}); err != nil {
			log.Warnf("[Sweeper] 重新投递失败, file_id: %s: %v", rec.ID, err)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		log.Infof("[Sweeper] 重新投递 %d 条中断的记录", enqueued)
	}
	return enqueued, nil
}
