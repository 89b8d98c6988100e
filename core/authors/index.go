// Package authors tracks which public keys have published into which topic.
package authors

import (
	"sync"

	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
)

// Index maps topics to the set of authors observed writing into them. Sets
// only grow. Reads return copies.
type Index struct {
	mu     sync.RWMutex
	topics map[topic.Topic]map[crypto.PublicKey]struct{}
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		topics: make(map[topic.Topic]map[crypto.PublicKey]struct{}),
	}
}

// Record adds an author to a topic. It returns true when the author was not
// known for that topic before.
func (i *Index) Record(t topic.Topic, publicKey crypto.PublicKey) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	authors, ok := i.topics[t]
	if !ok {
		authors = make(map[crypto.PublicKey]struct{})
		i.topics[t] = authors
	}
	if _, ok := authors[publicKey]; ok {
		return false
	}
	authors[publicKey] = struct{}{}
	return true
}

// Lookup returns the authors of a topic. ok is false when the topic has never
// been observed.
func (i *Index) Lookup(t topic.Topic) (map[crypto.PublicKey]struct{}, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	authors, ok := i.topics[t]
	if !ok {
		return nil, false
	}
	result := make(map[crypto.PublicKey]struct{}, len(authors))
	for pk := range authors {
		result[pk] = struct{}{}
	}
	return result, true
}

// TopicLogMap returns the logs each author of a topic writes into. Every
// author has exactly one log per topic whose id is derived from the topic.
func (i *Index) TopicLogMap(t topic.Topic) (map[crypto.PublicKey][]topic.LogID, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	authors, ok := i.topics[t]
	if !ok {
		return nil, false
	}
	logID := t.LogID()
	result := make(map[crypto.PublicKey][]topic.LogID, len(authors))
	for pk := range authors {
		result[pk] = []topic.LogID{logID}
	}
	return result, true
}

// Topics returns every topic with at least one author.
func (i *Index) Topics() []topic.Topic {
	i.mu.RLock()
	defer i.mu.RUnlock()

	result := make([]topic.Topic, 0, len(i.topics))
	for t := range i.topics {
		result = append(result, t)
	}
	return result
}
