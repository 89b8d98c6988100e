package node

import (
	"github.com/adzialocha/meshpit/api"
	"github.com/adzialocha/meshpit/crypto"
)

// Status implements api.Provider.
func (n *Node) Status() (api.Status, error) {
	count, err := n.store.Len()
	if err != nil {
		return api.Status{}, err
	}

	ready := false
	select {
	case <-n.sub.Ready():
		ready = true
	default:
	}

	return api.Status{
		PeerID:     n.manager.ID().String(),
		PublicKey:  n.key.PublicKey().String(),
		Topic:      n.config.Topic,
		TopicID:    n.topic.String(),
		Addrs:      n.manager.FullAddrs(),
		UDPServer:  n.conn.LocalAddr().String(),
		UDPClient:  n.client.String(),
		Peers:      len(n.manager.Peers()),
		TopicPeers: len(n.manager.TopicPeers(n.topic)),
		Ready:      ready,
		Operations: count,
		Bridge:     n.bridge.Stats(),
	}, nil
}

// TopicAuthors implements api.Provider.
func (n *Node) TopicAuthors() ([]api.Author, error) {
	known, _ := n.authors.Lookup(n.topic)
	out := make([]api.Author, 0, len(known))
	for pk := range known {
		length, err := n.store.LogLength(pk, n.topic.LogID())
		if err != nil {
			return nil, err
		}
		out = append(out, api.Author{PublicKey: pk.String(), LogLength: length})
	}
	return out, nil
}

// AuthorLog implements api.Provider.
func (n *Node) AuthorLog(publicKey crypto.PublicKey, fromSeq uint64) ([]api.Entry, error) {
	known, _ := n.authors.Lookup(n.topic)
	if _, ok := known[publicKey]; !ok {
		return nil, api.ErrUnknownAuthor
	}

	ops, err := n.store.LogOperations(publicKey, n.topic.LogID(), fromSeq)
	if err != nil {
		return nil, err
	}

	entries := make([]api.Entry, 0, len(ops))
	for _, op := range ops {
		entry := api.Entry{
			Hash:        op.Hash.String(),
			SeqNum:      op.Header.SeqNum,
			Timestamp:   op.Header.Timestamp,
			PayloadSize: op.Header.PayloadSize,
			Prune:       op.Header.Prune(),
			Pruned:      op.Pruned(),
		}
		if op.Header.Backlink != nil {
			backlink := op.Header.Backlink.String()
			entry.Backlink = &backlink
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
