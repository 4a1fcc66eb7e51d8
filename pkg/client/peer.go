package client

import (
	"context"
	"sync"

	"github.com/HMasataka/familyrelay/internal/logging"
	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/HMasataka/familyrelay/pkg/errors"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers is used when PeerOptions names none
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// PeerOptions represents live-view peer options
type PeerOptions struct {
	ICEServers []webrtc.ICEServer
	Logger     *logging.Logger
}

// Peer negotiates one WebRTC session with the rest of a family over the
// relay. The parent side calls Offer; the device side answers
// automatically once HandleSignals has been called.
type Peer struct {
	client *Client
	family domain.FamilyID
	logger *logging.Logger
	config webrtc.Configuration

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	pending []webrtc.ICECandidateInit
}

// NewPeer creates a peer bound to family. No peer connection exists
// until Offer or an inbound offer creates one.
func NewPeer(client *Client, family domain.FamilyID, options PeerOptions) *Peer {
	if options.Logger == nil {
		options.Logger = logging.Nop()
	}
	if len(options.ICEServers) == 0 {
		options.ICEServers = DefaultICEServers
	}

	return &Peer{
		client: client,
		family: family,
		logger: options.Logger.WithFields(map[string]any{"family_id": string(family)}),
		config: webrtc.Configuration{ICEServers: options.ICEServers},
	}
}

// HandleSignals registers handlers for relayed offers, answers and
// candidates on the peer's client.
func (p *Peer) HandleSignals(ctx context.Context) {
	p.client.On(domain.EventWebRTCOffer, func(msg *domain.Message) {
		if err := p.handleOffer(ctx, msg); err != nil {
			p.logger.Warn("failed to answer offer", "error", err)
		}
	})
	p.client.On(domain.EventWebRTCAnswer, func(msg *domain.Message) {
		if err := p.handleAnswer(msg); err != nil {
			p.logger.Warn("failed to apply answer", "error", err)
		}
	})
	p.client.On(domain.EventICECandidate, func(msg *domain.Message) {
		if err := p.handleCandidate(msg); err != nil {
			p.logger.Debug("failed to add candidate", "error", err)
		}
	})
}

// Offer opens a data channel labelled label, creates an offer and
// relays it to the family.
func (p *Peer) Offer(ctx context.Context, label string) (*webrtc.DataChannel, error) {
	pc, err := p.peerConnection(ctx)
	if err != nil {
		return nil, err
	}

	dc, err := pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, errors.CodePeerFailed, "failed to create data channel")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, errors.CodePeerFailed, "failed to create offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, errors.CodePeerFailed, "failed to set local description")
	}

	if err := p.client.SendOffer(ctx, p.family, offer); err != nil {
		return nil, err
	}

	p.logger.Info("offer sent", "label", label)
	return dc, nil
}

// OnDataChannel registers fn for data channels opened by the remote side
func (p *Peer) OnDataChannel(ctx context.Context, fn func(*webrtc.DataChannel)) error {
	pc, err := p.peerConnection(ctx)
	if err != nil {
		return err
	}
	pc.OnDataChannel(fn)
	return nil
}

// Close closes the peer connection, if any
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc == nil {
		return nil
	}
	err := p.pc.Close()
	p.pc = nil
	p.pending = nil
	return err
}

func (p *Peer) peerConnection(ctx context.Context) (*webrtc.PeerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc != nil {
		return p.pc, nil
	}

	pc, err := webrtc.NewPeerConnection(p.config)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, errors.CodePeerFailed, "failed to create peer connection")
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := p.client.SendICECandidate(ctx, p.family, c.ToJSON()); err != nil {
			p.logger.Debug("failed to relay candidate", "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("peer connection state", "state", state.String())
	})

	p.pc = pc
	return pc, nil
}

func (p *Peer) handleOffer(ctx context.Context, msg *domain.Message) error {
	offer, err := DecodeSessionDescription(msg)
	if err != nil {
		return err
	}

	pc, err := p.peerConnection(ctx)
	if err != nil {
		return err
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	p.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}

	return p.client.SendAnswer(ctx, p.family, answer)
}

func (p *Peer) handleAnswer(msg *domain.Message) error {
	answer, err := DecodeSessionDescription(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return errors.New(errors.ErrorTypeNotFound, errors.CodePeerFailed, "answer without an offer")
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	p.flushCandidates(pc)
	return nil
}

// handleCandidate adds the candidate, or queues it until a remote
// description is known.
func (p *Peer) handleCandidate(msg *domain.Message) error {
	candidate, err := DecodeICECandidate(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pc == nil || p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, candidate)
		return nil
	}
	return p.pc.AddICECandidate(candidate)
}

func (p *Peer) flushCandidates(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			p.logger.Debug("failed to add queued candidate", "error", err)
		}
	}
}
