package middleware

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"twist-edge/internal/domain"
	"twist-edge/internal/metrics"
)

// SecurityMiddleware aplica o motor de regras de segurança na borda
// Negação é uma resposta estruturada, nunca um erro do pipeline
type SecurityMiddleware struct {
	worker    domain.SecurityWorker
	collector *metrics.Collector
	logger    domain.Logger
	maxBody   int64
}

// NewSecurityMiddleware cria uma nova instância do middleware
func NewSecurityMiddleware(
	worker domain.SecurityWorker,
	collector *metrics.Collector,
	logger domain.Logger,
	maxBody int64,
) gin.HandlerFunc {
	middleware := &SecurityMiddleware{
		worker:    worker,
		collector: collector,
		logger:    logger,
		maxBody:   maxBody,
	}
	return middleware.Handle
}

// Handle é o handler principal do middleware
func (m *SecurityMiddleware) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	logger := m.logger.WithContext(ctx)

	request := m.buildRequestContext(c)

	result, err := m.worker.ProcessRequest(ctx, request)
	if err != nil {
		// Falha do pipeline de segurança não derruba a requisição
		logger.Error("Security check failed, allowing request", err, map[string]interface{}{
			"path": request.Path,
		})
		c.Next()
		return
	}

	if result.RateLimit != nil {
		m.setRateLimitHeaders(c, result.RateLimit)
		m.collector.RateLimitDecision.WithLabelValues(strconv.FormatBool(result.RateLimit.Allowed)).Inc()
	}

	if !result.Allowed {
		logger.Info("Request denied by security check", map[string]interface{}{
			"action":    string(result.Action),
			"reason":    result.Reason,
			"client_ip": request.ClientIP,
			"path":      request.Path,
		})

		status := http.StatusForbidden
		if result.Action == domain.ActionRateLimit {
			status = http.StatusTooManyRequests
			if result.RateLimit != nil {
				retryAfter := int(time.Until(result.RateLimit.ResetAt).Seconds()) + 1
				if retryAfter > 0 {
					c.Header("Retry-After", strconv.Itoa(retryAfter))
				}
			}
		}

		c.JSON(status, result)
		c.Abort()
		return
	}

	c.Next()
}

// buildRequestContext extrai da requisição os dados avaliados pelo WAF
// O corpo é lido com limite e devolvido ao request para o handler
func (m *SecurityMiddleware) buildRequestContext(c *gin.Context) *domain.RequestContext {
	headers := make(map[string]string, len(c.Request.Header))
	for name, values := range c.Request.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if c.Request.Body != nil && c.Request.Method != http.MethodGet {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, m.maxBody+1))
		if err == nil {
			body = string(data)
			c.Request.Body = io.NopCloser(bytes.NewReader(data))
		}
	}

	contentLength := c.Request.ContentLength
	if contentLength < 0 {
		contentLength = int64(len(body))
	}

	return &domain.RequestContext{
		Method:        c.Request.Method,
		URL:           c.Request.URL.RequestURI(),
		Path:          c.Request.URL.Path,
		Headers:       headers,
		Body:          body,
		ClientIP:      ClientIP(c),
		Country:       c.GetHeader(CountryHeader),
		ContentLength: contentLength,
	}
}

// setRateLimitHeaders define os headers informativos de rate limiting
// Presentes também em respostas permitidas
func (m *SecurityMiddleware) setRateLimitHeaders(c *gin.Context, result *domain.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// ClientIP extrai o IP do cliente considerando proxies e load balancers
// Prioridade: X-Forwarded-For > X-Real-IP > RemoteAddr
func ClientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			clientIP := strings.TrimSpace(ips[0])
			if clientIP != "" {
				return clientIP
			}
		}
	}

	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return host
	}
	return c.Request.RemoteAddr
}
