package server

import (
	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

type StartStreamRequest struct {
	Beneficiary    string  `json:"beneficiary" doc:"Recipient wallet address"`
	TotalAmountSol float64 `json:"totalAmountSol" doc:"Total escrowed amount in SOL"`
}

// ReleaseInfo describes one stage payout.
type ReleaseInfo struct {
	Stage       int     `json:"stage"`
	Percentage  int     `json:"percentage"`
	AmountSol   float64 `json:"amountSol"`
	TxSignature string  `json:"txSignature"`
}

type StartStreamResponse struct {
	StreamID       string      `json:"streamId"`
	CurrentStage   int         `json:"currentStage"`
	Status         string      `json:"status"`
	TotalAmountSol float64     `json:"totalAmountSol"`
	InitialRelease ReleaseInfo `json:"initialRelease"`
}

type SubmitProofRequest struct {
	StreamID   string   `json:"streamId"`
	StageIndex int      `json:"stageIndex" doc:"Stage the evidence is for; must equal the stream's current stage"`
	FileURL    string   `json:"fileUrl"`
	Categories []string `json:"categories,omitempty" doc:"Expected document categories; defaults from config when omitted"`
}

type SubmitProofResponse struct {
	ProofID            string         `json:"proofId"`
	StreamID           string         `json:"streamId"`
	StageIndex         int            `json:"stageIndex"`
	Status             string         `json:"status" enum:"verified,rejected"`
	VerificationResult engine.Verdict `json:"verificationResult"`
	NextStageRelease   *ReleaseInfo   `json:"nextStageRelease,omitempty"`
}

type StageView struct {
	Index       int     `json:"index"`
	Percentage  int     `json:"percentage"`
	AmountSol   float64 `json:"amountSol"`
	Status      string  `json:"status" enum:"pending,released"`
	ReleasedAt  *string `json:"releasedAt,omitempty" format:"date-time"`
	TxSignature *string `json:"txSignature,omitempty"`
}

type StreamStatusResponse struct {
	StreamID            string      `json:"streamId"`
	Beneficiary         string      `json:"beneficiary"`
	CurrentStage        int         `json:"currentStage"`
	Status              string      `json:"status" enum:"paused,active,completed,cancelled"`
	TotalAmountSol      float64     `json:"totalAmountSol"`
	ReleasedAmountSol   float64     `json:"releasedAmountSol"`
	RemainingSol        float64     `json:"remainingSol"`
	ReleasedPercentage  int         `json:"releasedPercentage"`
	RemainingPercentage int         `json:"remainingPercentage"`
	IsCompleted         bool        `json:"isCompleted"`
	CreatedAt           string      `json:"createdAt" format:"date-time"`
	UpdatedAt           string      `json:"updatedAt" format:"date-time"`
	Stages              []StageView `json:"stages"`
}

type StreamLifecycleResponse struct {
	StreamID    string `json:"streamId"`
	Status      string `json:"status"`
	TxSignature string `json:"txSignature,omitempty"`
	ChainError  string `json:"chainError,omitempty"`
}

func releaseInfo(st domain.Stage) ReleaseInfo {
	info := ReleaseInfo{
		Stage:      st.Index,
		Percentage: st.Percentage,
		AmountSol:  st.AmountSOL,
	}
	if st.TxSignature != nil {
		info.TxSignature = *st.TxSignature
	}
	return info
}

func stageView(st domain.Stage) StageView {
	return StageView{
		Index:       st.Index,
		Percentage:  st.Percentage,
		AmountSol:   st.AmountSOL,
		Status:      st.Status,
		ReleasedAt:  st.ReleasedAt,
		TxSignature: st.TxSignature,
	}
}

func statusResponse(doc engine.StatusDoc) StreamStatusResponse {
	stages := make([]StageView, 0, len(doc.Stages))
	for _, st := range doc.Stages {
		stages = append(stages, stageView(st))
	}
	s := doc.Stream
	return StreamStatusResponse{
		StreamID:            s.ID,
		Beneficiary:         s.Beneficiary,
		CurrentStage:        s.CurrentStage,
		Status:              s.Status,
		TotalAmountSol:      s.TotalSOL,
		ReleasedAmountSol:   s.ReleasedSOL,
		RemainingSol:        doc.RemainingSOL,
		ReleasedPercentage:  doc.ReleasedPct,
		RemainingPercentage: doc.RemainingPct,
		IsCompleted:         doc.IsCompleted,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
		Stages:              stages,
	}
}
