package domain

// Stream statuses.
const (
	StreamPaused    = "paused"
	StreamActive    = "active"
	StreamCompleted = "completed"
	StreamCancelled = "cancelled"
)

// Stage statuses.
const (
	StagePending  = "pending"
	StageReleased = "released"
)

// Proof statuses.
const (
	ProofPending  = "pending"
	ProofVerified = "verified"
	ProofRejected = "rejected"
)

// LamportsPerSOL is the number of indivisible on-chain units in one SOL.
const LamportsPerSOL = 1_000_000_000

// StreamTerminal reports whether a stream status admits no further transitions.
func StreamTerminal(status string) bool {
	return status == StreamCompleted || status == StreamCancelled
}

type Stream struct {
	ID           string  `json:"streamId"`
	Beneficiary  string  `json:"beneficiary"`
	Status       string  `json:"status" enum:"paused,active,completed,cancelled"`
	CurrentStage int     `json:"currentStage"`
	TotalSOL     float64 `json:"totalAmountSol"`
	ReleasedSOL  float64 `json:"releasedAmountSol"`
	CreatedAt    string  `json:"createdAt" format:"date-time"`
	UpdatedAt    string  `json:"updatedAt" format:"date-time"`
}

type Stage struct {
	StreamID    string  `json:"streamId"`
	Index       int     `json:"index"`
	Percentage  int     `json:"percentage"`
	AmountSOL   float64 `json:"amountSol"`
	Status      string  `json:"status" enum:"pending,released"`
	ReleasedAt  *string `json:"releasedAt,omitempty" format:"date-time"`
	TxSignature *string `json:"txSignature,omitempty"`
}

type Proof struct {
	ID          string   `json:"proofId"`
	StreamID    string   `json:"streamId"`
	StageIndex  int      `json:"stageIndex"`
	FileURL     string   `json:"fileUrl"`
	Status      string   `json:"status" enum:"pending,verified,rejected"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Explanation *string  `json:"explanation,omitempty"`
	Matched     []string `json:"matchedCategories,omitempty"`
	Missing     []string `json:"missingCategories,omitempty"`
	CreatedAt   string   `json:"createdAt" format:"date-time"`
	VerifiedAt  *string  `json:"verifiedAt,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	StreamID   string `json:"streamId,omitempty"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	Payload    string `json:"payloadJson"`
}
