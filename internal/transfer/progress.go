package transfer

import "github.com/hitoshi/guildtransfer/internal/model"

// ToProgress は移行レコードをクライアント向けの進捗スナップショットに変換する。
// resultsは常に非nilのスライスを返す。
func ToProgress(t *model.Transfer) model.TransferProgress {
	results := t.Results
	if results == nil {
		results = []model.MemberOutcome{}
	}
	return model.TransferProgress{
		TransferID:   t.ID,
		Status:       t.Status,
		Current:      t.Processed(),
		Total:        t.TotalMembers,
		SuccessCount: t.SuccessCount,
		SkippedCount: t.SkippedCount,
		FailedCount:  t.FailedCount,
		Results:      results,
	}
}
