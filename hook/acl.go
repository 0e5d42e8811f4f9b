package hook

import (
	"sync"

	"github.com/quillmq/quillmq/topic"
)

// ACLHook checks subscribe/publish access against a per-client list of
// allowed topic filters, the shape config.TopicCheck.ACL loads from the
// topic-check.acl block. A client with no entry in the map is denied
// everything once this hook is registered — matching topic-check.enabled's
// all-or-nothing semantics, rather than silently allowing unlisted clients.
type ACLHook struct {
	*Base
	mu      sync.RWMutex
	filters map[string][]string
	matcher *topic.TopicMatcher
}

// NewACLHook builds an ACLHook from a client-id to allowed-topic-filter
// mapping. A nil or empty rules map still enforces deny-by-default; load
// entries afterwards with LoadRules or Allow.
func NewACLHook(rules map[string][]string) *ACLHook {
	h := &ACLHook{
		Base:    &Base{id: "acl"},
		filters: make(map[string][]string, len(rules)),
		matcher: topic.NewTopicMatcher(),
	}
	for clientID, allowed := range rules {
		h.filters[clientID] = append([]string(nil), allowed...)
	}
	return h
}

// Provides indicates this hook only participates in ACL checks.
func (h *ACLHook) Provides(event Event) bool {
	return event == OnACLCheck
}

// Allow grants a client access to an additional topic filter.
func (h *ACLHook) Allow(clientID, topicFilter string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filters[clientID] = append(h.filters[clientID], topicFilter)
}

// LoadRules replaces the entire client-id to allowed-filters mapping.
func (h *ACLHook) LoadRules(rules map[string][]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filters = make(map[string][]string, len(rules))
	for clientID, allowed := range rules {
		h.filters[clientID] = append([]string(nil), allowed...)
	}
}

// OnACLCheck allows a topic operation when topic matches at least one of
// the client's configured filters. access is accepted but unused: the
// config schema grants filters per client rather than per read/write
// direction, matching spec.md §6's acl block shape.
func (h *ACLHook) OnACLCheck(client *Client, topicName string, access AccessType) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	allowed, ok := h.filters[client.ID]
	if !ok {
		return false
	}
	for _, filter := range allowed {
		if h.matcher.Match(filter, topicName) {
			return true
		}
	}
	return false
}
