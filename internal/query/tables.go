package query

// DefaultStopWords are dropped from keyword sets. Japanese entries cover
// light verbs and question words that the segmenter tags as content words.
var DefaultStopWords = []string{
	// Japanese
	"する", "します", "したい", "ある", "いる", "なる", "できる", "れる", "られる",
	"こと", "もの", "ため", "よう", "とき", "方法", "やり方", "について", "教えて",
	"何", "どう", "どこ", "なぜ", "いつ", "どれ", "ください", "お願い",
	// English
	"a", "an", "the", "and", "or", "of", "to", "in", "on", "for", "with", "is", "are",
	"how", "what", "where", "why", "when", "which", "do", "does", "can", "i",
}

// DefaultSynonyms expand keywords for the embedding query only. They never
// take part in title matching.
var DefaultSynonyms = map[string][]string{
	"教室":   {"クラス", "授業"},
	"削除":   {"消去", "取り消し"},
	"登録":   {"追加", "作成"},
	"変更":   {"編集", "更新"},
	"ログイン": {"サインイン", "認証"},
	"権限":   {"ロール", "アクセス権"},
	"生徒":   {"受講者", "学生"},
	"先生":   {"講師", "教員"},
	"エラー":  {"不具合", "障害"},
	"一覧":   {"リスト"},

	// English
	"delete": {"remove"},
	"login":  {"signin", "auth"},
}

// DefaultDomainTerms are multi-word product terms. A keyword set that covers
// one of them is treated as a strong title match even when other keywords miss.
var DefaultDomainTerms = []string{
	"教室管理",
	"時間割",
	"出欠管理",
	"成績管理",
	"ユーザー管理",
	"権限設定",
	"パスワードリセット",
	"一括登録",
	"CSV出力",
	"CSVインポート",
	"シングルサインオン",
}

// DefaultGenericFillers are title words that carry no topical meaning. They
// are ignored when measuring how much unrelated text surrounds a query match.
var DefaultGenericFillers = []string{
	"機能", "画面", "一覧", "対応", "仕様", "手順", "詳細", "関連", "について",
	"の", "を", "に", "と", "で", "へ", "版", "改修", "修正", "追加",
}
