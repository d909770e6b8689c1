package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"twist-edge/internal/domain"
)

// Status reportado no header X-Cache
const (
	StatusHit    = "HIT"
	StatusStale  = "STALE"
	StatusMiss   = "MISS"
	StatusBypass = "BYPASS"
)

const (
	cacheKeyPrefix = "response_cache:"

	// Janela extra de retenção além do edge TTL para servir STALE
	staleWindow = 10 * time.Minute

	// Marca as requisições internas de revalidação, que nunca
	// consultam o cache (evita recursão)
	revalidateHeader = "X-Edge-Revalidate"
)

// Parâmetros de query que nunca participam da chave do cache
var strippedParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"_t":     true,
	"cb":     true,
}

// Headers da requisição que participam da chave (vary)
var varyHeaders = []string{"Accept", "Accept-Encoding"}

// Rule define o comportamento de cache para um prefixo de path
type Rule struct {
	Prefix     string
	BrowserTTL time.Duration
	EdgeTTL    time.Duration
	Bypass     bool
	Revalidate bool
}

// DefaultRules retorna as regras de cache da plataforma
// Resolução por prefixo mais longo; a última entrada é o fallback
func DefaultRules() []Rule {
	return []Rule{
		{Prefix: "/v1/activity", Bypass: true},
		{Prefix: "/health", Bypass: true},
		{Prefix: "/v1/sites", BrowserTTL: 60 * time.Second, EdgeTTL: 5 * time.Minute, Revalidate: true},
		{Prefix: "/", BrowserTTL: 30 * time.Second, EdgeTTL: 60 * time.Second},
	}
}

// Entry é a resposta cacheada servida pelo manager
type Entry struct {
	Status int               `json:"status"`
	Header map[string]string `json:"header"`
	Body   []byte            `json:"body"`

	// Age em segundos no momento do lookup; não é persistido
	Age int64 `json:"-"`
}

// Manager implementa o cache de respostas HTTP com stale-while-revalidate
// Erros do storage degradam para MISS, nunca falham a requisição
type Manager struct {
	kv     domain.KeyValueStore
	rules  []Rule
	logger domain.Logger

	// Origem usada pelas revalidações em background; definida depois
	// que o router é construído (o middleware faz parte dele)
	origin http.Handler

	now func() time.Time
}

// NewManager cria uma nova instância do Manager
func NewManager(kv domain.KeyValueStore, rules []Rule, logger domain.Logger) *Manager {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Manager{
		kv:     kv,
		rules:  rules,
		logger: logger,
		now:    time.Now,
	}
}

// SetOrigin define o handler usado nas revalidações em background
func (m *Manager) SetOrigin(origin http.Handler) {
	m.origin = origin
}

// Resolve retorna a regra de cache do path (prefixo mais longo)
func (m *Manager) Resolve(path string) Rule {
	best := Rule{}
	bestLen := -1
	for _, rule := range m.rules {
		if strings.HasPrefix(path, rule.Prefix) && len(rule.Prefix) > bestLen {
			best = rule
			bestLen = len(rule.Prefix)
		}
	}
	return best
}

// Lookup consulta o cache para uma requisição
// Em STALE a resposta cacheada é retornada imediatamente e a
// revalidação acontece em uma goroutine destacada
func (m *Manager) Lookup(ctx context.Context, req *http.Request) (*Entry, string) {
	if req.Method != http.MethodGet {
		return nil, StatusBypass
	}
	if req.Header.Get(revalidateHeader) != "" {
		return nil, StatusBypass
	}

	rule := m.Resolve(req.URL.Path)
	if rule.Bypass {
		return nil, StatusBypass
	}

	data, err := m.kv.Get(ctx, m.Key(req))
	if err != nil {
		m.logger.Warn("Cache lookup failed, treating as miss", map[string]interface{}{
			"path":  req.URL.Path,
			"error": err.Error(),
		})
		return nil, StatusMiss
	}
	if data == nil {
		return nil, StatusMiss
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, StatusMiss
	}

	entry.Age = m.entryAge(&entry)
	if entry.Age <= maxAgeSeconds(entry.Header["Cache-Control"]) {
		return &entry, StatusHit
	}

	if rule.Revalidate {
		m.revalidate(req)
		return &entry, StatusStale
	}
	return nil, StatusMiss
}

// Store grava uma resposta qualificada no cache
// Falha de escrita é logada e descartada (próxima requisição é MISS)
func (m *Manager) Store(ctx context.Context, req *http.Request, status int, header http.Header, body []byte) {
	if req.Method != http.MethodGet {
		return
	}
	rule := m.Resolve(req.URL.Path)
	if rule.Bypass {
		return
	}
	if !Cacheable(status, header) {
		return
	}

	entry := Entry{
		Status: status,
		Header: map[string]string{
			"Content-Type": header.Get("Content-Type"),
			"Cache-Control": fmt.Sprintf("public, max-age=%d, s-maxage=%d",
				int(rule.BrowserTTL.Seconds()), int(rule.EdgeTTL.Seconds())),
			"Date": m.now().UTC().Format(http.TimeFormat),
		},
		Body: body,
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return
	}

	ttl := rule.EdgeTTL
	if rule.Revalidate {
		ttl += staleWindow
	}
	if err := m.kv.Put(ctx, m.Key(req), data, ttl); err != nil {
		m.logger.Warn("Cache store failed", map[string]interface{}{
			"path":  req.URL.Path,
			"error": err.Error(),
		})
	}
}

// Cacheable verifica se uma resposta pode ser armazenada
func Cacheable(status int, header http.Header) bool {
	if status != http.StatusOK && status != http.StatusNotModified {
		return false
	}
	cc := strings.ToLower(header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") || strings.Contains(cc, "private") {
		return false
	}
	return true
}

// Key normaliza a requisição em uma chave estável de cache:
// método + path + query ordenada sem parâmetros de tracking + headers
// de vary permitidos + presença (não o valor) de Authorization
func (m *Manager) Key(req *http.Request) string {
	params := make([]string, 0)
	for name, values := range req.URL.Query() {
		if strippedParams[name] || strings.HasPrefix(name, "utm_") {
			continue
		}
		for _, value := range values {
			params = append(params, name+"="+value)
		}
	}
	sort.Strings(params)

	parts := []string{req.Method, req.URL.Path, strings.Join(params, "&")}
	for _, name := range varyHeaders {
		parts = append(parts, name+":"+req.Header.Get(name))
	}
	if req.Header.Get("Authorization") != "" {
		parts = append(parts, "auth:1")
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// entryAge calcula a idade em segundos a partir do header Date
func (m *Manager) entryAge(entry *Entry) int64 {
	date, err := time.Parse(http.TimeFormat, entry.Header["Date"])
	if err != nil {
		return 1 << 30
	}
	age := int64(m.now().UTC().Sub(date).Seconds())
	if age < 0 {
		age = 0
	}
	return age
}

// maxAgeSeconds extrai o TTL efetivo do Cache-Control armazenado,
// preferindo s-maxage sobre max-age
func maxAgeSeconds(cacheControl string) int64 {
	sMaxAge := int64(-1)
	maxAge := int64(-1)
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if value, ok := strings.CutPrefix(directive, "s-maxage="); ok {
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				sMaxAge = n
			}
		} else if value, ok := strings.CutPrefix(directive, "max-age="); ok {
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				maxAge = n
			}
		}
	}
	if sMaxAge >= 0 {
		return sMaxAge
	}
	if maxAge >= 0 {
		return maxAge
	}
	return 0
}

// revalidate refaz a requisição contra a origem em background e
// repopula o cache; falha é logada e descartada
func (m *Manager) revalidate(req *http.Request) {
	if m.origin == nil {
		return
	}

	// Clona ainda no escopo da requisição original
	clone := req.Clone(context.Background())
	clone.Header.Set(revalidateHeader, "1")

	go func() {
		rec := newRecorder()
		m.origin.ServeHTTP(rec, clone)

		if !Cacheable(rec.status, rec.header) {
			m.logger.Warn("Background revalidation returned uncacheable response", map[string]interface{}{
				"path":   clone.URL.Path,
				"status": rec.status,
			})
			return
		}
		m.Store(context.Background(), clone, rec.status, rec.header, rec.body.Bytes())
	}()
}
