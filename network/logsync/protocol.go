// Package logsync implements the pull protocol late joiners use to catch up
// on the logs of a topic.
//
// One session is a single round: the initiator sends a Request listing how far
// it knows each log, the responder answers with one Frame per operation the
// initiator lacks and a final Frame with Done set.
package logsync

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/adzialocha/meshpit/core/operation"
	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
	"github.com/adzialocha/meshpit/network/gossip"
)

var log = logging.Logger("meshpit/logsync")

// ProtocolID is the libp2p stream protocol the sessions run on.
const ProtocolID = "/meshpit/logsync/1.0.0"

var (
	ErrUnexpectedEOF = errors.New("sync stream ended before done frame")
	// ErrUnjustifiedPrune is returned when a responder sends header-only
	// operations that no later prune operation of the same log accounts for.
	ErrUnjustifiedPrune = errors.New("pruned operations without later prune operation")
)

// TopicLogMap tells which logs exist per author for a topic.
type TopicLogMap interface {
	TopicLogMap(t topic.Topic) (map[crypto.PublicKey][]topic.LogID, bool)
}

// LogStore is the read surface of the operation store used by sync.
type LogStore interface {
	LogLength(publicKey crypto.PublicKey, logID topic.LogID) (uint64, error)
	LogOperations(publicKey crypto.PublicKey, logID topic.LogID, fromSeq uint64) ([]*operation.Operation, error)
}

// DeliverFunc receives every operation of a session in log order. pruned is
// set for operations whose body was discarded by their author.
type DeliverFunc func(headerBytes, body []byte, pruned bool) error

// Have states the next sequence number the initiator expects in a log.
type Have struct {
	PublicKey crypto.PublicKey `cbor:"1,keyasint"`
	LogID     topic.LogID      `cbor:"2,keyasint"`
	NextSeq   uint64           `cbor:"3,keyasint"`
}

// Request opens a session.
type Request struct {
	Topic topic.Topic `cbor:"1,keyasint"`
	Have  []Have      `cbor:"2,keyasint,omitempty"`
}

// Frame carries one operation as gossip envelope, or closes the session.
type Frame struct {
	Envelope []byte `cbor:"1,keyasint,omitempty"`
	Pruned   bool   `cbor:"2,keyasint,omitempty"`
	Done     bool   `cbor:"3,keyasint,omitempty"`
}

// Protocol serves and pulls logs of the topics known to its author index.
type Protocol struct {
	authors TopicLogMap
	store   LogStore
}

// New creates a protocol over an author index and an operation store.
func New(authors TopicLogMap, store LogStore) *Protocol {
	return &Protocol{authors: authors, store: store}
}

// Serve answers one session.
func (p *Protocol) Serve(ctx context.Context, rw io.ReadWriter) error {
	var req Request
	if err := cbor.NewDecoder(rw).Decode(&req); err != nil {
		return fmt.Errorf("failed to read sync request: %w", err)
	}

	have := make(map[logKey]uint64, len(req.Have))
	for _, h := range req.Have {
		have[logKey{h.PublicKey, h.LogID}] = h.NextSeq
	}

	enc := cbor.NewEncoder(rw)
	sent := 0

	logs, ok := p.authors.TopicLogMap(req.Topic)
	if ok {
		for publicKey, logIDs := range logs {
			for _, logID := range logIDs {
				ops, err := p.store.LogOperations(publicKey, logID, have[logKey{publicKey, logID}])
				if err != nil {
					return fmt.Errorf("failed to read log of %s: %w", publicKey, err)
				}
				for _, op := range ops {
					if err := ctx.Err(); err != nil {
						return err
					}
					envelope, err := gossip.Encode(op.HeaderBytes, op.Body)
					if err != nil {
						return err
					}
					if err := enc.Encode(Frame{Envelope: envelope, Pruned: op.Pruned()}); err != nil {
						return fmt.Errorf("failed to write sync frame: %w", err)
					}
					sent++
				}
			}
		}
	}

	if err := enc.Encode(Frame{Done: true}); err != nil {
		return fmt.Errorf("failed to write done frame: %w", err)
	}

	log.Debugw("served sync session", "topic", req.Topic.String(), "operations", sent)
	return nil
}

// Pull runs one session as initiator and hands every received operation to
// deliver. It returns the number of delivered operations.
func (p *Protocol) Pull(ctx context.Context, rw io.ReadWriter, t topic.Topic, deliver DeliverFunc) (int, error) {
	req, err := p.request(t)
	if err != nil {
		return 0, err
	}
	if err := cbor.NewEncoder(rw).Encode(req); err != nil {
		return 0, fmt.Errorf("failed to write sync request: %w", err)
	}

	dec := cbor.NewDecoder(rw)
	received := 0

	// Header-only operations are held back until a prune operation of the
	// same log confirms them.
	pending := make(map[logKey][]prunedFrame)

	for {
		if err := ctx.Err(); err != nil {
			return received, err
		}

		var frame Frame
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return received, ErrUnexpectedEOF
			}
			return received, fmt.Errorf("failed to read sync frame: %w", err)
		}
		if frame.Done {
			if len(pending) > 0 {
				return received, fmt.Errorf("%w: %d logs", ErrUnjustifiedPrune, len(pending))
			}
			return received, nil
		}

		headerBytes, body, err := gossip.Decode(frame.Envelope)
		if err != nil {
			return received, err
		}
		header, err := operation.DecodeHeader(headerBytes)
		if err != nil {
			return received, err
		}
		logID, ok := header.LogID()
		if !ok {
			return received, operation.ErrMissingExtensions
		}
		key := logKey{header.PublicKey, logID}

		if frame.Pruned {
			if body != nil {
				return received, fmt.Errorf("%w: pruned frame carries a body", gossip.ErrMalformedEnvelope)
			}
			pending[key] = append(pending[key], prunedFrame{seq: header.SeqNum, headerBytes: headerBytes})
			continue
		}

		if held := pending[key]; len(held) > 0 {
			if !header.Prune() || header.SeqNum <= held[len(held)-1].seq {
				return received, fmt.Errorf("%w: seq %d of %s", ErrUnjustifiedPrune, held[0].seq, header.PublicKey)
			}
			for _, f := range held {
				if err := deliver(f.headerBytes, nil, true); err != nil {
					return received, err
				}
				received++
			}
			delete(pending, key)
		}

		if err := deliver(headerBytes, body, false); err != nil {
			return received, err
		}
		received++
	}
}

type prunedFrame struct {
	seq         uint64
	headerBytes []byte
}

// request lists the logs of t known locally and how far each one goes.
func (p *Protocol) request(t topic.Topic) (Request, error) {
	req := Request{Topic: t}

	logs, ok := p.authors.TopicLogMap(t)
	if !ok {
		return req, nil
	}
	for publicKey, logIDs := range logs {
		for _, logID := range logIDs {
			length, err := p.store.LogLength(publicKey, logID)
			if err != nil {
				return req, fmt.Errorf("failed to read log length: %w", err)
			}
			req.Have = append(req.Have, Have{
				PublicKey: publicKey,
				LogID:     logID,
				NextSeq:   length,
			})
		}
	}
	return req, nil
}

type logKey struct {
	publicKey crypto.PublicKey
	logID     topic.LogID
}
