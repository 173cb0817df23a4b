package httpapi

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"aurigraph/approval-core/integrations/webhooks"
	"aurigraph/approval-core/native/approval"
)

// webhookRegistry is an in-memory operator-facing CRUD store of webhook
// subscriptions. It satisfies webhooks.Registry so the Dispatcher can read
// subscriptions directly without depending on the HTTP layer.
type webhookRegistry struct {
	mu   sync.RWMutex
	subs map[string]*approval.WebhookSubscription
}

// NewWebhookRegistry constructs an empty webhook subscription registry.
func NewWebhookRegistry() *webhookRegistry {
	return &webhookRegistry{subs: make(map[string]*approval.WebhookSubscription)}
}

func (r *webhookRegistry) create(rawURL string, eventTypes []string, secret string) (*approval.WebhookSubscription, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("webhooks: invalid url %q", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("webhooks: unsupported scheme %q", parsed.Scheme)
	}
	if secret == "" {
		return nil, fmt.Errorf("webhooks: secret required")
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{"*"}
	}

	sub := &approval.WebhookSubscription{
		ID:         uuid.NewString(),
		URL:        rawURL,
		EventTypes: eventTypes,
		Secret:     secret,
		CreatedAt:  time.Now().UTC(),
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub, nil
}

func (r *webhookRegistry) delete(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Subscriptions implements webhooks.Registry.
func (r *webhookRegistry) Subscriptions() []webhooks.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]webhooks.Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, webhooks.Subscription{
			ID:         s.ID,
			URL:        s.URL,
			EventTypes: s.EventTypes,
			Secret:     s.Secret,
			Disabled:   s.Disabled,
		})
	}
	return out
}
