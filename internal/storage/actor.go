package storage

import (
	"encoding/json"
	"fmt"
)

// OpRateCheck é a operação de verificação de janela de rate limit
const OpRateCheck = "rate.check"

// RateCheckRequest é o payload da operação rate.check
type RateCheckRequest struct {
	Limit    int   `json:"limit"`
	WindowMs int64 `json:"windowMs"`
	NowMs    int64 `json:"nowMs"`
}

// ParseRateCheckRequest decodifica e valida o payload de rate.check
func ParseRateCheckRequest(payload []byte) (*RateCheckRequest, error) {
	var req RateCheckRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid rate check payload: %w", err)
	}
	if req.Limit <= 0 || req.WindowMs <= 0 {
		return nil, fmt.Errorf("invalid rate check payload: limit and windowMs must be positive")
	}
	return &req, nil
}
