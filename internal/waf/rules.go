package waf

import (
	"net/url"
	"regexp"
	"strings"

	"twist-edge/internal/domain"
)

// Padrões sintáticos de ataque. Casam tokens de sintaxe (aspas, operadores,
// comentários), nunca palavras soltas do inglês: "please select the union
// option" não pode disparar regra alguma
var (
	sqlQuoteOr     = regexp.MustCompile(`(?i)['"]\s*(or|and)\s*['"]`)
	sqlTautology   = regexp.MustCompile(`(?i)\b(or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`)
	sqlUnionSelect = regexp.MustCompile(`(?i)\bunion(\s|/\*.*?\*/)+select\b`)
	sqlStacked     = regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|alter)\b`)
	sqlComment     = regexp.MustCompile(`['"]\s*--|;\s*--|/\*.*\*/`)

	xssScriptTag = regexp.MustCompile(`(?i)<\s*script\b`)
	xssHandler   = regexp.MustCompile(`(?i)\bon(error|load|click|focus|mouseover)\s*=`)
	xssScheme    = regexp.MustCompile(`(?i)javascript\s*:`)

	traversalPattern = regexp.MustCompile(`\.\./|\.\.\\|%2e%2e(%2f|%5c)|%252e`)

	cmdSubstitution = regexp.MustCompile("\\$\\(|`")
	cmdChained      = regexp.MustCompile(`(?i)[;|]\s*(cat|ls|rm|wget|curl|sh|bash|nc|whoami|id|ping)\b`)

	nosqlOperator = regexp.MustCompile(`"\$(where|ne|or|gt|lt|regex|exists)"\s*:`)
)

// forwardedIPHeaders lista os headers de IP encaminhado observados
// pela heurística de bypass de rate limit
var forwardedIPHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Client-IP",
}

// scannerAgents contém fragmentos de user-agent de scanners conhecidos
var scannerAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "acunetix",
	"dirbuster", "wpscan", "metasploit", "hydra", "gobuster",
}

// crawlerAllowlist contém crawlers legítimos liberados pelas regras de user-agent
var crawlerAllowlist = []string{
	"googlebot", "bingbot", "duckduckbot", "slurp", "baiduspider", "yandexbot",
}

// automationAgents contém fragmentos de user-agent de clientes automatizados
// genéricos: tráfego legítimo porém digno de registro, nunca de bloqueio
var automationAgents = []string{
	"curl", "wget", "python-requests", "go-http-client", "okhttp", "libwww-perl",
}

// maxBodyBytes é o limite de corpo aceito pela regra oversized-body
const maxBodyBytes = 1 << 20

// DefaultRules retorna o catálogo fixo e ordenado de regras do WAF
// A ordem é significativa: a primeira regra bloqueante encerra a avaliação
func DefaultRules() []domain.SecurityRule {
	return []domain.SecurityRule{
		{
			ID:        "smuggling",
			Name:      "Request smuggling attempt",
			Action:    domain.ActionBlock,
			Severity:  domain.SeverityCritical,
			Condition: matchSmuggling,
		},
		{
			ID:        "oversized-body",
			Name:      "Oversized request body",
			Action:    domain.ActionBlock,
			Severity:  domain.SeverityMedium,
			Condition: matchOversizedBody,
		},
		{
			ID:        "sql-injection",
			Name:      "SQL injection pattern",
			Action:    domain.ActionBlock,
			Severity:  domain.SeverityCritical,
			Condition: matchSQLInjection,
		},
		{
			ID:        "xss",
			Name:      "Cross-site scripting pattern",
			Action:    domain.ActionBlock,
			Severity:  domain.SeverityHigh,
			Condition: matchXSS,
		},
		{
			ID:        "path-traversal",
			Name:      "Path traversal sequence",
			Action:    domain.ActionBlock,
			Severity:  domain.SeverityHigh,
			Condition: matchPathTraversal,
		},
		{
			ID:        "command-injection",
			Name:      "Command injection metacharacters",
			Action:    domain.ActionBlock,
			Severity:  domain.SeverityCritical,
			Condition: matchCommandInjection,
		},
		{
			ID:        "nosql-injection",
			Name:      "NoSQL operator injection",
			Action:    domain.ActionBlock,
			Severity:  domain.SeverityHigh,
			Condition: matchNoSQLInjection,
		},
		{
			ID:        "suspicious-user-agent",
			Name:      "Known scanner user agent",
			Action:    domain.ActionBlock,
			Severity:  domain.SeverityMedium,
			Condition: matchSuspiciousUserAgent,
		},
		{
			ID:        "automation-user-agent",
			Name:      "Automation client user agent",
			Action:    domain.ActionLog,
			Severity:  domain.SeverityLow,
			Condition: matchAutomationUserAgent,
		},
		{
			ID:        "rate-limit-bypass",
			Name:      "Multiple forwarded IP headers",
			Action:    domain.ActionChallenge,
			Severity:  domain.SeverityMedium,
			Condition: matchRateLimitBypass,
		},
	}
}

// inspectTargets retorna as superfícies textuais inspecionadas pelas regras:
// URL bruta, URL decodificada e corpo
func inspectTargets(req *domain.RequestContext) []string {
	targets := []string{req.URL}
	if decoded := decodeOnce(req.URL); decoded != req.URL {
		targets = append(targets, decoded)
	}
	if req.Body != "" {
		targets = append(targets, req.Body)
	}
	return targets
}

// decodeOnce aplica uma rodada de URL-decoding, tolerando entradas inválidas
func decodeOnce(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

func matchSQLInjection(req *domain.RequestContext) bool {
	for _, target := range inspectTargets(req) {
		if sqlQuoteOr.MatchString(target) ||
			sqlTautology.MatchString(target) ||
			sqlUnionSelect.MatchString(target) ||
			sqlStacked.MatchString(target) ||
			sqlComment.MatchString(target) {
			return true
		}
	}
	return false
}

func matchXSS(req *domain.RequestContext) bool {
	for _, target := range inspectTargets(req) {
		if xssScriptTag.MatchString(target) ||
			xssHandler.MatchString(target) ||
			xssScheme.MatchString(target) {
			return true
		}
	}
	return false
}

func matchPathTraversal(req *domain.RequestContext) bool {
	// Variantes com encoding simples e duplo, e com barra invertida
	lower := strings.ToLower(req.URL)
	candidates := []string{lower, decodeOnce(lower), decodeOnce(decodeOnce(lower))}
	for _, candidate := range candidates {
		if traversalPattern.MatchString(candidate) {
			return true
		}
	}
	return false
}

func matchCommandInjection(req *domain.RequestContext) bool {
	for _, target := range inspectTargets(req) {
		if cmdSubstitution.MatchString(target) || cmdChained.MatchString(target) {
			return true
		}
	}
	return false
}

func matchNoSQLInjection(req *domain.RequestContext) bool {
	// Só faz sentido em payloads com cara de JSON
	for _, target := range inspectTargets(req) {
		if strings.Contains(target, "{") && nosqlOperator.MatchString(target) {
			return true
		}
	}
	return false
}

// matchRateLimitBypass detecta múltiplos headers distintos de IP encaminhado
// Heurística conhecida e deliberadamente grosseira: verifica presença, não o
// IP efetivamente resolvido
func matchRateLimitBypass(req *domain.RequestContext) bool {
	present := 0
	for _, header := range forwardedIPHeaders {
		if req.Header(header) != "" {
			present++
		}
	}
	return present >= 2
}

func matchSuspiciousUserAgent(req *domain.RequestContext) bool {
	agent := strings.ToLower(req.Header("User-Agent"))
	if agent == "" {
		return false
	}

	for _, crawler := range crawlerAllowlist {
		if strings.Contains(agent, crawler) {
			return false
		}
	}
	for _, scanner := range scannerAgents {
		if strings.Contains(agent, scanner) {
			return true
		}
	}
	return false
}

func matchAutomationUserAgent(req *domain.RequestContext) bool {
	agent := strings.ToLower(req.Header("User-Agent"))
	if agent == "" {
		return false
	}

	for _, crawler := range crawlerAllowlist {
		if strings.Contains(agent, crawler) {
			return false
		}
	}
	for _, fragment := range automationAgents {
		if strings.Contains(agent, fragment) {
			return true
		}
	}
	return false
}

func matchOversizedBody(req *domain.RequestContext) bool {
	return req.ContentLength > maxBodyBytes
}

func matchSmuggling(req *domain.RequestContext) bool {
	return req.Header("Content-Length") != "" && req.Header("Transfer-Encoding") != ""
}
