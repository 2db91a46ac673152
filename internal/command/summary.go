package command

import (
	"fmt"
	"strings"

	"github.com/hitoshi/guildtransfer/internal/model"
	"github.com/hitoshi/guildtransfer/internal/transfer"
)

// FormatSummary は移行ジョブの結果をチャット用のメッセージに整形する。
// 失敗理由は先頭から最大10件まで列挙し、残りは件数のみ表示する。
func FormatSummary(s *transfer.Summary, err error) string {
	var b strings.Builder

	if s == nil {
		s = &transfer.Summary{}
	}

	if err != nil || s.Status == model.TransferStatusFailed {
		b.WriteString("❌ **Transfer failed**\n")
		msg := s.ErrorMessage
		if msg == "" && err != nil {
			msg = err.Error()
		}
		if msg != "" {
			fmt.Fprintf(&b, "Error: %s\n", msg)
		}
	} else {
		b.WriteString("✅ **Transfer complete**\n")
	}

	fmt.Fprintf(&b, "\n**Total:** %d\n", s.Total)
	fmt.Fprintf(&b, "**Added:** %d\n", s.SuccessCount)
	fmt.Fprintf(&b, "**Already in server:** %d\n", s.SkippedCount)
	fmt.Fprintf(&b, "**Failed:** %d\n", s.FailedCount)

	failures := s.Failures()
	if len(failures) == 0 {
		return b.String()
	}

	b.WriteString("\n**Failures:**\n")
	for idx, f := range failures {
		if idx >= maxFailureLines {
			break
		}
		fmt.Fprintf(&b, "• %s: %s\n", memberLabel(f), f.Reason)
	}
	if rest := len(failures) - maxFailureLines; rest > 0 {
		fmt.Fprintf(&b, "…and %d more failures\n", rest)
	}

	return b.String()
}

// memberLabel はメンバーの表示名を返す。旧形式の識別子がある場合は付加する。
func memberLabel(o model.MemberOutcome) string {
	name := o.Username
	if name == "" {
		name = o.UserID
	}
	if o.Discriminator != "" && o.Discriminator != "0" {
		return name + "#" + o.Discriminator
	}
	return name
}
