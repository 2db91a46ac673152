package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/hitoshi/guildtransfer/internal/model"
)

// ErrDispatcherClosed はシャットダウン開始後にジョブを受け付けなかったことを表す。
var ErrDispatcherClosed = errors.New("transfer dispatcher is shutting down")

// FinishFunc はジョブ終了時に呼ばれるコールバック。
type FinishFunc func(summary *Summary, err error)

// Dispatcher は移行ジョブをゴルーチンで非同期に実行する。
// 各ジョブはpanicを含めて必ず終端状態に到達させる。
type Dispatcher struct {
	orch   *Orchestrator
	ctx    context.Context
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher はDispatcherを生成する。
// ctxはプロセス全体のライフサイクルで、取り消されると実行中のジョブは失敗状態で終了する。
func NewDispatcher(ctx context.Context, orch *Orchestrator, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		orch:   orch,
		ctx:    ctx,
		logger: logger,
	}
}

// Dispatch はジョブの実行を開始し、完了を待たずに戻る。
// onFinishがnilでない場合はジョブ終了後に呼び出す。
// Waitの開始後またはctxの取り消し後はErrDispatcherClosedを返し、ジョブを開始しない。
func (d *Dispatcher) Dispatch(job Job, onFinish FinishFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.ctx.Err() != nil {
		return ErrDispatcherClosed
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		summary, err := d.run(job)
		if onFinish != nil {
			onFinish(summary, err)
		}
	}()
	return nil
}

// run はOrchestrator.Runの外で起きたpanicを回復してジョブを失敗状態にする。
func (d *Dispatcher) run(job Job) (summary *Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transfer panicked: %v", r)
			d.logger.Error("transfer panicked",
				slog.String("transfer_id", job.TransferID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)

			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), finalizeTimeout)
			defer cancel()
			if ferr := d.orch.markFailed(writeCtx, job.TransferID, nil, err.Error()); ferr != nil {
				d.logger.Error("failed to mark transfer failed",
					slog.String("transfer_id", job.TransferID),
					slog.String("error", ferr.Error()),
				)
			}
			summary = &Summary{TransferID: job.TransferID, Status: model.TransferStatusFailed, ErrorMessage: err.Error()}
		}
	}()

	return d.orch.Run(d.ctx, job)
}

// Wait は新規ジョブの受け付けを止め、実行中の全ジョブの終了を待つ。
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
}
