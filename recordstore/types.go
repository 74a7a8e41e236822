package recordstore

import "time"

// Verdict is the tri-state outcome of an ingredient analysis.
type Verdict string

const (
	VerdictVegan     Verdict = "vegan"
	VerdictNonVegan  Verdict = "non-vegan"
	VerdictUncertain Verdict = "uncertain"
)

// Valid reports whether v is one of the three known verdicts.
func (v Verdict) Valid() bool {
	return v == VerdictVegan || v == VerdictNonVegan || v == VerdictUncertain
}

// Analysis is the result block of one scan.
type Analysis struct {
	Verdict            Verdict  `json:"verdict"`
	Confidence         float64  `json:"confidence"`
	FlaggedIngredients []string `json:"flagged_ingredients"`
	Explanation        string   `json:"explanation"`
}

// Record is the persisted result of one ingredient analysis.
//
// ID is globally unique and stable across the local store and the remote
// service. OwnerID must be set before a record counts toward a user's
// visible history. IsPersisted=false marks a draft not yet surfaced.
type Record struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	CreatedAt    time.Time `json:"created_at"`
	Ingredients  []string  `json:"ingredients"`
	Analysis     Analysis  `json:"analysis"`
	IsFavorite   bool      `json:"is_favorite"`
	IsPersisted  bool      `json:"is_persisted"`
	SourceRef    string    `json:"source_ref"`
	LastModified time.Time `json:"last_modified"`
}

// Clone returns a deep copy so cached index entries can be handed out
// without aliasing the store's canonical copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Ingredients = append([]string(nil), r.Ingredients...)
	c.Analysis.FlaggedIngredients = append([]string(nil), r.Analysis.FlaggedIngredients...)
	return &c
}
