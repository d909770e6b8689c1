package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"twist-edge/internal/logger"
)

// RequestIDHeader é o header de rastreamento propagado pela borda
const RequestIDHeader = "X-Request-ID"

// CountryHeader carrega o país resolvido pela camada de rede
const CountryHeader = "CF-IPCountry"

// RequestID garante que toda requisição carrega um id de rastreamento
// e enriquece o contexto para o logging estruturado
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(RequestIDHeader, requestID)
		c.Set("request_id", requestID)

		ctx := logger.ContextWithRequestInfo(
			c.Request.Context(),
			requestID,
			ClientIP(c),
			c.GetHeader(CountryHeader),
			c.GetHeader("User-Agent"),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
