// Package document holds the Digital Credentials Query Language types used
// to ask a Wallet for SD-JWT credentials.
//
// https://openid.net/specs/openid-4-verifiable-presentations-1_0.html#name-digital-credentials-query-l
package document

const (
	FormatSDJWT = "dc+sd-jwt"

	LearningCredentialQueryID = "learning_credential"
	LearningCredentialVCT     = "urn:eu.europa.ec.eudi:learning:credential:1"
)

// LearningCredentialClaims are requested when the caller does not narrow the
// query down.
var LearningCredentialClaims = []string{
	"issuing_authority",
	"issuing_country",
	"date_of_issuance",
	"family_name",
	"given_name",
	"achievement_title",
	"achievement_description",
	"learning_outcomes",
	"assessment_grade",
}

type DCQLQuery struct {
	Credentials    []CredentialQuery    `json:"credentials"`
	CredentialSets []CredentialSetQuery `json:"credential_sets,omitempty"`
}

// CredentialQuery asks for one credential. ID names the slot of the VP Token
// the presentation comes back in.
type CredentialQuery struct {
	ID        string           `json:"id"`
	Format    string           `json:"format"`
	Meta      *MetaConstraints `json:"meta,omitempty"`
	Claims    []ClaimQuery     `json:"claims,omitempty"`
	ClaimSets [][]string       `json:"claim_sets,omitempty"`
}

type MetaConstraints struct {
	VCTValues []string `json:"vct_values,omitempty"`
}

type ClaimQuery struct {
	ID     string        `json:"id,omitempty"`
	Path   []interface{} `json:"path"`
	Values []interface{} `json:"values,omitempty"`
}

type CredentialSetQuery struct {
	Options  [][]string `json:"options"`
	Required *bool      `json:"required,omitempty"`
}

// GenerateDCQLQuery wraps credential queries into a DCQL query. The queries
// are passed through as is.
func GenerateDCQLQuery(queries []CredentialQuery) *DCQLQuery {
	return &DCQLQuery{Credentials: queries}
}

// ClaimPaths builds top-level claim queries, one per name.
func ClaimPaths(names ...string) []ClaimQuery {
	claims := make([]ClaimQuery, 0, len(names))
	for _, name := range names {
		claims = append(claims, ClaimQuery{Path: []interface{}{name}})
	}
	return claims
}

// LearningCredentialQuery asks for a learning credential with the given
// claims, or with all of LearningCredentialClaims when none are given.
func LearningCredentialQuery(claims ...string) CredentialQuery {
	if len(claims) == 0 {
		claims = LearningCredentialClaims
	}
	return CredentialQuery{
		ID:     LearningCredentialQueryID,
		Format: FormatSDJWT,
		Meta:   &MetaConstraints{VCTValues: []string{LearningCredentialVCT}},
		Claims: ClaimPaths(claims...),
	}
}

// QueryIDs lists the credential query ids in request order.
func (q *DCQLQuery) QueryIDs() []string {
	if q == nil {
		return nil
	}
	ids := make([]string, 0, len(q.Credentials))
	for _, c := range q.Credentials {
		ids = append(ids, c.ID)
	}
	return ids
}
