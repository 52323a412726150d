package model

// Session ties a browser session cookie to the transaction it started and,
// once committed, to the data the browser may read back.
type Session struct {
	ID             string          `json:"id"`
	RequestID      string          `json:"requestId,omitempty"`
	TransactionID  string          `json:"transactionId,omitempty"`
	WaitCommitData *WaitCommitData `json:"waitCommitData,omitempty"`
}

// WaitCommitData is what the verifier learned from a committed presentation.
type WaitCommitData struct {
	IDToken            string              `json:"idToken,omitempty"`
	Sub                string              `json:"sub,omitempty"`
	LearningCredential *LearningCredential `json:"learningCredential,omitempty"`
}

// LearningCredential is the presented SD-JWT together with the claims the
// verifier disclosed from it.
type LearningCredential struct {
	Raw                      string                 `json:"raw"`
	Claims                   map[string]interface{} `json:"claims"`
	Icon                     string                 `json:"icon,omitempty"`
	KeySource                string                 `json:"keySource,omitempty"`
	CertificateChainVerified *bool                  `json:"certificateChainVerified,omitempty"`
}
