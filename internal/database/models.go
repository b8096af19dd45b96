package database

// Query kinds.
const (
	KindUser = "user"
	KindAuto = "auto"
)

// Query is one persisted search intent: a user-submitted query or a generated sub-query.
type Query struct {
	ID        string
	Owner     string
	Text      string
	Kind      string
	ParentID  *string
	CreatedAt string
}

// Summary is a generated report attached to a user query.
type Summary struct {
	ID             int64
	QueryID        string
	Owner          string
	Body           string
	ReferenceCount int
	GeneratedAt    string
}

// Stats contains aggregate database statistics.
type Stats struct {
	UserQueries int
	SubQueries  int
	Summaries   int
	Owners      int
}
