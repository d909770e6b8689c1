package middleware

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"twist-edge/internal/cache"
	"twist-edge/internal/domain"
	"twist-edge/internal/metrics"
)

// CacheMiddleware serve respostas do cache de borda antes do resto
// do pipeline; falhas do cache degradam para MISS
type CacheMiddleware struct {
	manager   *cache.Manager
	collector *metrics.Collector
	logger    domain.Logger
}

// NewCacheMiddleware cria uma nova instância do middleware
func NewCacheMiddleware(
	manager *cache.Manager,
	collector *metrics.Collector,
	logger domain.Logger,
) gin.HandlerFunc {
	middleware := &CacheMiddleware{
		manager:   manager,
		collector: collector,
		logger:    logger,
	}
	return middleware.Handle
}

// Handle é o handler principal do middleware
func (m *CacheMiddleware) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	entry, status := m.manager.Lookup(ctx, c.Request)
	c.Header("X-Cache", status)
	m.collector.CacheStatus.WithLabelValues(status).Inc()

	switch status {
	case cache.StatusHit, cache.StatusStale:
		m.serveCached(c, entry, status)
		c.Abort()

	case cache.StatusBypass:
		c.Next()

	default:
		// MISS: executa o handler capturando o corpo para armazenar
		writer := &capturingWriter{
			ResponseWriter: c.Writer,
			rule:           m.manager.Resolve(c.Request.URL.Path),
		}
		c.Writer = writer
		c.Next()

		m.manager.Store(ctx, c.Request, writer.Status(), writer.Header(), writer.body.Bytes())
	}
}

// serveCached escreve uma resposta cacheada, com os headers de idade
// e o Warning exigido em respostas stale
func (m *CacheMiddleware) serveCached(c *gin.Context, entry *cache.Entry, status string) {
	for name, value := range entry.Header {
		if value != "" {
			c.Header(name, value)
		}
	}
	age := strconv.FormatInt(entry.Age, 10)
	c.Header("Age", age)
	c.Header("X-Cache-Age", age)
	if status == cache.StatusStale {
		c.Header("Warning", `110 - "Response is stale"`)
	}

	c.Data(entry.Status, entry.Header["Content-Type"], entry.Body)
}

// capturingWriter duplica o corpo escrito para o cache poder armazená-lo
// e decide a diretiva de Cache-Control quando o status é conhecido
type capturingWriter struct {
	gin.ResponseWriter
	rule    cache.Rule
	body    bytes.Buffer
	decided bool
}

func (w *capturingWriter) WriteHeader(code int) {
	w.decideCacheControl(code)
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(data []byte) (int, error) {
	w.decideCacheControl(w.Status())
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.decideCacheControl(w.Status())
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// decideCacheControl injeta a diretiva pública uma única vez, somente
// quando a resposta capturada é elegível para armazenamento
// Respostas negadas adiante no pipeline (403, 429) saem sem diretiva
func (w *capturingWriter) decideCacheControl(code int) {
	if w.decided {
		return
	}
	w.decided = true

	if w.rule.Bypass || w.Header().Get("Cache-Control") != "" {
		return
	}
	if !cache.Cacheable(code, w.Header()) {
		return
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, s-maxage=%d",
		int(w.rule.BrowserTTL.Seconds()), int(w.rule.EdgeTTL.Seconds())))
}
