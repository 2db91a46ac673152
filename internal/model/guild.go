package model

// GuildInfo はボットが参加しているギルドの情報を表す。
type GuildInfo struct {
	ID                string
	Name              string
	Icon              string
	ApproxMemberCount int
}

// UserGuild はユーザーが所属するギルドとボットの参加状況を表す。
// ダッシュボードのギルド一覧で使用する。
type UserGuild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	MemberCount int    `json:"memberCount"`
	BotPresent  bool   `json:"botPresent"`
}

// AddMemberOutcome はギルドへのメンバー追加結果の分類。
type AddMemberOutcome int

const (
	// AddMemberSuccess は新規にメンバーとして追加された。
	AddMemberSuccess AddMemberOutcome = iota
	// AddMemberAlreadyMember は既に移行先ギルドのメンバーだった。
	AddMemberAlreadyMember
	// AddMemberFailure は追加できなかった。Reasonに理由を格納する。
	AddMemberFailure
)

// AddMemberResult はメンバー追加の結果と失敗理由。
type AddMemberResult struct {
	Outcome AddMemberOutcome
	Reason  string
}
