// Package scheduler はフィードごとのパイプライン実行タイミングを管理する。
// フィードごとのティックジョブ、ハートビート、日次メンテナンスをcronで駆動し、
// 次回実行予定を永続化して再起動時に取りこぼした実行を1回だけ復旧する。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/feedgrab/internal/events"
	"github.com/hitoshi/feedgrab/internal/metrics"
	"github.com/hitoshi/feedgrab/internal/model"
	"github.com/hitoshi/feedgrab/internal/store"
)

// PipelineRunner はフィード1件分のパイプラインを実行する。
type PipelineRunner interface {
	Run(ctx context.Context, feedID string) error
}

// MaintenanceJob は日次メンテナンス処理。
type MaintenanceJob interface {
	Run(ctx context.Context) error
}

// Options はSchedulerの設定。
type Options struct {
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	HealthThreshold   time.Duration
	RunTimeout        time.Duration
	MaxConcurrent     int
	MaintenanceSpec   string
}

// DefaultOptions はデフォルト設定を返す。
func DefaultOptions() Options {
	return Options{
		TickInterval:      time.Minute,
		HeartbeatInterval: 30 * time.Second,
		HealthThreshold:   2 * time.Minute,
		RunTimeout:        10 * time.Minute,
		MaxConcurrent:     3,
		MaintenanceSpec:   "0 3 * * *",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HealthThreshold <= 0 {
		o.HealthThreshold = d.HealthThreshold
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = d.RunTimeout
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.MaintenanceSpec == "" {
		o.MaintenanceSpec = d.MaintenanceSpec
	}
	return o
}

// Health はスケジューラの稼働状態。
type Health struct {
	Healthy       bool       `json:"healthy"`
	LastHeartbeat *time.Time `json:"lastHeartbeat"`
	ScheduledJobs int        `json:"scheduledJobs"`
	RunningJobs   int        `json:"runningJobs"`
}

// Scheduler はフィードのパイプライン実行をスケジューリングする。
// 同一フィードの実行は同時に1つまで、全体の同時実行数はMaxConcurrentまでに制限する。
type Scheduler struct {
	store       *store.Store
	runner      PipelineRunner
	maintenance MaintenanceJob
	publisher   events.Publisher
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	opts        Options

	// lifecycle はStart/Stopを直列化する。muは以下の状態を保護する。
	lifecycle     sync.Mutex
	mu            sync.Mutex
	running       bool
	baseCtx       context.Context
	cron          *cron.Cron
	feedJobs      map[string]cron.EntryID
	inflight      map[string]uint64
	runSeq        uint64
	lastHeartbeat time.Time

	runs sync.WaitGroup
	now  func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maintenanceがnilの場合は日次メンテナンスを登録しない。
func NewScheduler(
	st *store.Store,
	runner PipelineRunner,
	maintenance MaintenanceJob,
	publisher events.Publisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Scheduler {
	return &Scheduler{
		store:       st,
		runner:      runner,
		maintenance: maintenance,
		publisher:   publisher,
		metrics:     collector,
		logger:      logger,
		opts:        opts.withDefaults(),
		feedJobs:    make(map[string]cron.EntryID),
		inflight:    make(map[string]uint64),
		now:         time.Now,
	}
}

// Start はスケジューラを起動する。既に起動している場合は何もしない。
// データディレクトリの作成に失敗した場合のみエラーを返す。
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return nil
	}

	if err := s.store.EnsureLayout(); err != nil {
		return fmt.Errorf("データディレクトリの初期化に失敗: %w", err)
	}

	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
		cron.WithChain(cron.Recover(cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError)))),
	)
	if s.maintenance != nil {
		if _, err := c.AddFunc(s.opts.MaintenanceSpec, s.maintain); err != nil {
			return fmt.Errorf("メンテナンススケジュールの登録に失敗: %w", err)
		}
	}
	c.Schedule(cron.Every(s.opts.HeartbeatInterval), cron.FuncJob(s.heartbeat))

	catchUp := s.recover()

	s.mu.Lock()
	s.baseCtx = context.WithoutCancel(ctx)
	s.cron = c
	s.running = true
	s.mu.Unlock()

	feeds := s.store.Feeds()
	for _, feed := range feeds {
		s.installFeedJob(feed.ID)
	}

	c.Start()
	s.heartbeat()

	s.logger.Info("スケジューラを開始しました",
		slog.Int("feeds", len(feeds)),
		slog.Int("catch_up", len(catchUp)),
		slog.Duration("tick_interval", s.opts.TickInterval),
		slog.Int("max_concurrent", s.opts.MaxConcurrent),
	)

	// 復旧対象はフィードごとに1回だけ実行する。枠がない場合は期限切れのまま次のティックに任せる。
	for _, feed := range catchUp {
		s.launch(feed, true)
	}
	return nil
}

// recover は永続化されたスケジュールを読み込み、期限切れのフィードを返す。
// 存在しないフィードのエントリは削除し、エントリのないフィードには新規作成する。
func (s *Scheduler) recover() []model.Feed {
	now := s.now()
	feeds := make(map[string]model.Feed)
	for _, f := range s.store.Feeds() {
		feeds[f.ID] = f
	}

	var due []model.Feed
	scheduled := make(map[string]struct{})
	for _, entry := range s.store.ScheduleEntries() {
		feed, ok := feeds[entry.FeedID]
		if !ok {
			if err := s.store.RemoveScheduleEntry(entry.FeedID); err != nil {
				s.logger.Error("孤立したスケジュールの削除に失敗しました",
					slog.String("feed_id", entry.FeedID),
					slog.String("error", err.Error()),
				)
			}
			s.logger.Info("存在しないフィードのスケジュールを削除しました", slog.String("feed_id", entry.FeedID))
			continue
		}
		scheduled[feed.ID] = struct{}{}
		if entry.Due(now) {
			s.logger.Info("取りこぼした実行を復旧します",
				slog.String("feed_id", feed.ID),
				slog.Time("next_run_at", entry.NextRunTime()),
			)
			due = append(due, feed)
		}
	}

	for id, feed := range feeds {
		if _, ok := scheduled[id]; ok {
			continue
		}
		if err := s.store.PutScheduleEntry(model.NewScheduleEntry(feed, now)); err != nil {
			s.logger.Error("スケジュールの作成に失敗しました",
				slog.String("feed_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return due
}

// Stop は全てのジョブを停止する。実行中のパイプラインは中断しない。
// 実行中のフィードは終了するまで実行中として扱い、再開後も同じフィードを重複して起動しない。
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	for id, entryID := range s.feedJobs {
		c.Remove(entryID)
		delete(s.feedJobs, id)
	}
	s.running = false
	s.cron = nil
	runningJobs := len(s.inflight)
	s.mu.Unlock()

	c.Stop()
	s.metrics.SetRunningJobs(runningJobs)
	s.logger.Info("スケジューラを停止しました")
}

// Wait は実行中のパイプラインが全て終了するまで待機する。
func (s *Scheduler) Wait() {
	s.runs.Wait()
}

// ScheduleFeed はフィードの次回実行予定を現在時刻+間隔で永続化し、ティックジョブを登録して即座に実行する。
// 停止中は予定の永続化のみ行う。
func (s *Scheduler) ScheduleFeed(feedID string) error {
	feed, ok := s.store.Feed(feedID)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrFeedNotFound, feedID)
	}
	if err := s.store.PutScheduleEntry(model.NewScheduleEntry(feed, s.now())); err != nil {
		return fmt.Errorf("スケジュールの保存に失敗: %w", err)
	}

	if !s.installFeedJob(feed.ID) {
		return nil
	}
	s.logger.Info("フィードをスケジュールしました",
		slog.String("feed_id", feed.ID),
		slog.Int("interval_minutes", feed.IntervalMinutes),
	)
	s.launch(feed, false)
	return nil
}

// UnscheduleFeed はフィードのティックジョブとスケジュールを削除する。
func (s *Scheduler) UnscheduleFeed(feedID string) error {
	s.mu.Lock()
	if entryID, ok := s.feedJobs[feedID]; ok {
		s.cron.Remove(entryID)
		delete(s.feedJobs, feedID)
	}
	s.mu.Unlock()

	if err := s.store.RemoveScheduleEntry(feedID); err != nil {
		return fmt.Errorf("スケジュールの削除に失敗: %w", err)
	}
	s.logger.Info("フィードのスケジュールを解除しました", slog.String("feed_id", feedID))
	return nil
}

// installFeedJob はフィードのティックジョブを登録または置き換える。停止中はfalseを返す。
func (s *Scheduler) installFeedJob(feedID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	if entryID, ok := s.feedJobs[feedID]; ok {
		s.cron.Remove(entryID)
	}
	s.feedJobs[feedID] = s.cron.Schedule(cron.Every(s.opts.TickInterval), cron.FuncJob(func() {
		s.tick(feedID)
	}))
	return true
}

// tick は期限を迎えたフィードを実行する。
func (s *Scheduler) tick(feedID string) {
	entry, ok := s.store.ScheduleEntry(feedID)
	if !ok || !entry.Due(s.now()) {
		return
	}
	feed, ok := s.store.Feed(feedID)
	if !ok {
		s.logger.Warn("存在しないフィードのスケジュールを解除します", slog.String("feed_id", feedID))
		if err := s.UnscheduleFeed(feedID); err != nil {
			s.logger.Error("スケジュールの解除に失敗しました",
				slog.String("feed_id", feedID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	s.launch(feed, true)
}

// launch は実行枠を確保してパイプラインを非同期に起動する。
// 同一フィードが実行中、または同時実行数が上限に達している場合はスキップする。
// reschedule が true の場合は起動前に次回実行予定を永続化する。
func (s *Scheduler) launch(feed model.Feed, reschedule bool) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.inflight[feed.ID]; busy {
		s.mu.Unlock()
		s.logger.Debug("実行中のためスキップしました", slog.String("feed_id", feed.ID))
		s.metrics.RecordSchedulerSkip(metrics.SkipInFlight)
		return false
	}
	if len(s.inflight) >= s.opts.MaxConcurrent {
		s.mu.Unlock()
		s.logger.Debug("同時実行数の上限に達したためスキップしました",
			slog.String("feed_id", feed.ID),
			slog.Int("max_concurrent", s.opts.MaxConcurrent),
		)
		s.metrics.RecordSchedulerSkip(metrics.SkipCapacity)
		return false
	}
	s.runSeq++
	token := s.runSeq
	s.inflight[feed.ID] = token
	runningJobs := len(s.inflight)
	base := s.baseCtx
	s.runs.Add(1)
	s.mu.Unlock()
	s.metrics.SetRunningJobs(runningJobs)

	if reschedule {
		if err := s.store.PutScheduleEntry(model.NewScheduleEntry(feed, s.now())); err != nil {
			s.logger.Error("次回実行予定の保存に失敗しました",
				slog.String("feed_id", feed.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	go s.execute(base, feed.ID, token)
	return true
}

func (s *Scheduler) execute(base context.Context, feedID string, token uint64) {
	defer s.runs.Done()
	defer s.release(feedID, token)

	ctx, cancel := context.WithTimeout(base, s.opts.RunTimeout)
	defer cancel()

	if err := s.runner.Run(ctx, feedID); err != nil && !errors.Is(err, model.ErrFeedNotFound) {
		s.logger.Warn("パイプラインがエラーで終了しました",
			slog.String("feed_id", feedID),
			slog.String("error", err.Error()),
		)
	}
}

// release は実行枠を返却する。別の実行が同じフィードの枠を保持している場合は残す。
func (s *Scheduler) release(feedID string, token uint64) {
	s.mu.Lock()
	if s.inflight[feedID] == token {
		delete(s.inflight, feedID)
	}
	n := len(s.inflight)
	s.mu.Unlock()
	s.metrics.SetRunningJobs(n)
}

// heartbeat は生存時刻を記録し、heartbeatイベントを送信する。
func (s *Scheduler) heartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = s.now()
	data := events.HeartbeatData{
		ScheduledJobs: len(s.feedJobs),
		RunningJobs:   len(s.inflight),
	}
	s.mu.Unlock()

	data.Feeds = len(s.store.Feeds())
	s.publisher.Publish(events.Event{Type: events.TypeHeartbeat, Data: data})
	s.logger.Debug("ハートビート",
		slog.Int("feeds", data.Feeds),
		slog.Int("scheduled_jobs", data.ScheduledJobs),
		slog.Int("running_jobs", data.RunningJobs),
	)
}

func (s *Scheduler) maintain() {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	ctx, cancel := context.WithTimeout(base, s.opts.RunTimeout)
	defer cancel()
	if err := s.maintenance.Run(ctx); err != nil {
		s.logger.Error("メンテナンスの実行に失敗しました", slog.String("error", err.Error()))
	}
}

// Health は稼働状態を返す。起動中かつ直近のハートビートが閾値以内の場合にhealthyとなる。
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{
		ScheduledJobs: len(s.feedJobs),
		RunningJobs:   len(s.inflight),
	}
	if !s.lastHeartbeat.IsZero() {
		last := s.lastHeartbeat
		h.LastHeartbeat = &last
		h.Healthy = s.running && s.now().Sub(last) < s.opts.HealthThreshold
	}
	return h
}
