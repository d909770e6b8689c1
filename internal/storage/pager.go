package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPager implementa domain.Pager via POST fire-and-forget
// Respostas não-2xx viram erro para o caller logar; esta camada não reenvia
type HTTPPager struct {
	url    string
	client *http.Client
}

// NewHTTPPager cria uma nova instância do HTTPPager
func NewHTTPPager(url string) *HTTPPager {
	return &HTTPPager{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Page envia um alerta crítico para o endpoint de paging
func (p *HTTPPager) Page(ctx context.Context, dedupKey, summary string, details map[string]string) error {
	payload := map[string]interface{}{
		"dedup_key": dedupKey,
		"summary":   summary,
		"details":   details,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal pager payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build pager request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pager request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pager returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopPager implementa domain.Pager descartando os alertas
// Usado quando PAGER_URL não está configurada e em testes
type NoopPager struct{}

// Page descarta o alerta
func (NoopPager) Page(ctx context.Context, dedupKey, summary string, details map[string]string) error {
	return nil
}
