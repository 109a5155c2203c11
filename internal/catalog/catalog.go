package catalog

import (
	"maps"
	"strings"
	"sync"

	"github.com/xela07ax/governor/internal/domain"
)

// DefaultCategories: соответствие тип агента -> категория действий.
var DefaultCategories = map[string]string{
	"tech_auditor":       "seo_fix",
	"seo_auditor":        "seo_fix",
	"keyword_researcher": "seo_fix",
	"content_writer":     "content_update",
	"content_optimizer":  "content_update",
	"ads_optimizer":      "ads_optimization",
	"ppc_manager":        "ads_optimization",
	"social_scheduler":   "social_post",
	"social_listener":    "social_post",
	"email_marketer":     "email_campaign",
}

// AgentCatalog: явное значение вместо глобального реестра агентов.
// Переопределения тенанта имеют приоритет над базовой картой.
type AgentCatalog struct {
	mu        sync.RWMutex
	base      map[string]string
	overrides map[string]map[string]string // tenant -> agentType -> category
}

func New(base map[string]string) *AgentCatalog {
	if base == nil {
		base = DefaultCategories
	}
	return &AgentCatalog{
		base:      maps.Clone(base),
		overrides: make(map[string]map[string]string),
	}
}

// CategoryFor возвращает категорию для типа агента. Неизвестный тип -> general.
func (c *AgentCatalog) CategoryFor(tenantID, agentType string) string {
	key := strings.ToLower(strings.TrimSpace(agentType))

	c.mu.RLock()
	defer c.mu.RUnlock()

	if byAgent, ok := c.overrides[tenantID]; ok {
		if cat, ok := byAgent[key]; ok {
			return cat
		}
	}
	if cat, ok := c.base[key]; ok {
		return cat
	}
	return domain.CategoryGeneral
}

// Override задает категорию агента для конкретного тенанта.
func (c *AgentCatalog) Override(tenantID, agentType, category string) {
	key := strings.ToLower(strings.TrimSpace(agentType))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overrides[tenantID] == nil {
		c.overrides[tenantID] = make(map[string]string)
	}
	c.overrides[tenantID][key] = category
}

// AgentTypes: известные типы агентов базовой карты.
func (c *AgentCatalog) AgentTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.base))
	for k := range c.base {
		out = append(out, k)
	}
	return out
}
