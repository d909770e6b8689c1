package domain

import "time"

// RuleAction define as ações possíveis de uma verificação de segurança
type RuleAction string

const (
	ActionAllow     RuleAction = "allow"
	ActionBlock     RuleAction = "block"
	ActionChallenge RuleAction = "challenge"
	ActionLog       RuleAction = "log"
	ActionRateLimit RuleAction = "rate_limit"
	ActionGeoBlock  RuleAction = "geo_block"
)

// Severity define os níveis de severidade dos eventos de segurança
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RequestContext representa os dados de uma requisição avaliados pelo WAF
type RequestContext struct {
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Path          string            `json:"path"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body,omitempty"`
	ClientIP      string            `json:"clientIp"`
	Country       string            `json:"country,omitempty"`
	ContentLength int64             `json:"contentLength"`
}

// Header retorna o valor de um header sem diferenciar maiúsculas/minúsculas
func (r *RequestContext) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	lower := toLowerASCII(name)
	for k, v := range r.Headers {
		if toLowerASCII(k) == lower {
			return v
		}
	}
	return ""
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// SecurityRule define uma regra imutável do catálogo do WAF
// A ordem do catálogo é significativa: a primeira regra bloqueante vence
type SecurityRule struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Action    RuleAction                 `json:"action"`
	Severity  Severity                   `json:"severity"`
	Condition func(*RequestContext) bool `json:"-"`
}

// RuleResult representa o resultado da avaliação de uma regra
type RuleResult struct {
	RuleID    string     `json:"ruleId"`
	RuleName  string     `json:"ruleName"`
	Action    RuleAction `json:"action"`
	Severity  Severity   `json:"severity"`
	Timestamp time.Time  `json:"timestamp"`
}

// SecurityCheckResult representa o resultado completo da verificação de segurança
type SecurityCheckResult struct {
	Allowed   bool             `json:"allowed"`
	Action    RuleAction       `json:"action"`
	Reason    string           `json:"reason,omitempty"`
	Rules     []RuleResult     `json:"rules"`
	RateLimit *RateLimitResult `json:"-"`
}

// SecurityEvent representa um evento de segurança append-only
// Metadata aceita apenas escalares (string/número/bool) já sanitizados
type SecurityEvent struct {
	Type           string                 `json:"type"`
	RuleID         string                 `json:"ruleId,omitempty"`
	Severity       Severity               `json:"severity,omitempty"`
	Country        string                 `json:"country,omitempty"`
	RequestSummary string                 `json:"requestSummary"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// SecurityMetrics representa o rollup diário de eventos de segurança
type SecurityMetrics struct {
	Date       string           `json:"date"`
	Total      int64            `json:"total"`
	ByType     map[string]int64 `json:"byType"`
	BySeverity map[string]int64 `json:"bySeverity"`
	ByRule     map[string]int64 `json:"byRule"`
	ByCountry  map[string]int64 `json:"byCountry"`
}

// LogQuery define os filtros para consulta de eventos de segurança
type LogQuery struct {
	StartTime time.Time
	EndTime   time.Time
	RuleID    string
	Severity  Severity
	Limit     int
}

// RateLimitResult representa o resultado de uma verificação de rate limit
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// RateLimitWindow representa a janela corrente de um par (chave, endpoint)
// Possui um único dono lógico por chave; vive por uma janela
type RateLimitWindow struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"`
	Limit       int   `json:"limit"`
	WindowMs    int64 `json:"windowMs"`
}

// RateLimitPolicy define o par (limite, janela) aplicado a um endpoint
type RateLimitPolicy struct {
	PathPrefix string        `json:"pathPrefix"`
	Limit      int           `json:"limit"`
	Window     time.Duration `json:"window"`
}

// VAUMessage representa uma unidade de atenção verificada submetida pelo cliente
// Torna-se imutável após entrar na fila
type VAUMessage struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	DeviceID   string     `json:"deviceId"`
	SiteID     string     `json:"siteId"`
	Timestamp  int64      `json:"timestamp"`
	Signature  string     `json:"signature"`
	Payload    VAUPayload `json:"payload"`
	TrustScore float64    `json:"trustScore,omitempty"`
}

// VAUPayload carrega os sinais de qualidade reportados pelo cliente
type VAUPayload struct {
	Duration     int64   `json:"duration"`
	ScrollDepth  float64 `json:"scrollDepth"`
	Interactions int     `json:"interactions"`
}

// DeviceRecord representa um dispositivo no registro de confiança
type DeviceRecord struct {
	DeviceID   string  `json:"deviceId"`
	TrustScore float64 `json:"trustScore"`
	Registered int64   `json:"registered"`
}

// Reward representa a recompensa calculada para um VAU válido
type Reward struct {
	UserID     string    `json:"userId"`
	Amount     int64     `json:"amount"`
	VAUID      string    `json:"vauId"`
	Multiplier float64   `json:"multiplier"`
	Timestamp  time.Time `json:"timestamp"`
}

// RejectionReason define os motivos de rejeição permanente de um VAU
type RejectionReason string

const (
	RejectMissingFields RejectionReason = "missing_fields"
	RejectStale         RejectionReason = "stale_timestamp"
	RejectUnknownDevice RejectionReason = "unknown_device"
	RejectLowTrust      RejectionReason = "low_trust"
	RejectDuplicate     RejectionReason = "duplicate"
)

// ValidationResult representa o resultado da validação de um VAU
// Rejeição é um valor, não um erro: erro indica falha de infraestrutura
type ValidationResult struct {
	Valid  bool
	Reason RejectionReason
}

// CohortCriteria define os critérios de segmentação de uma campanha
type CohortCriteria struct {
	Name    string   `json:"name"`
	Cohorts []string `json:"cohorts"`
}

// CohortFilterRecord representa um filtro de coorte persistido
// Nunca contém identificadores de usuário em claro
type CohortFilterRecord struct {
	Filter    []byte         `json:"filter"`
	Criteria  CohortCriteria `json:"criteria"`
	Salt      string         `json:"salt"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SiteConfig representa a configuração de recompensa de um site
type SiteConfig struct {
	SiteID   string `json:"siteId"`
	Premium  bool   `json:"premium"`
	Verified bool   `json:"verified"`
}
