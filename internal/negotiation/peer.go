package negotiation

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/protocol"
)

// MaxBufferedCandidates bounds remote candidates held until a remote
// description is applied.
const MaxBufferedCandidates = 64

// Connection is the transport a Peer negotiates over. NewPionConnection
// returns the production implementation.
type Connection interface {
	CreateOffer(iceRestart bool) (protocol.SessionDescription, error)
	CreateAnswer() (protocol.SessionDescription, error)
	SetLocalDescription(protocol.SessionDescription) error
	SetRemoteDescription(protocol.SessionDescription) error
	Rollback() error
	AddICECandidate(protocol.ICECandidate) error
	HasRemoteDescription() bool
	SignalingStable() bool
	AttachMedia(Media) error
	Close() error
}

// Signaler carries negotiation messages to the other participant.
type Signaler interface {
	SendOffer(ctx context.Context, roomID string, sdp protocol.SessionDescription) error
	SendAnswer(ctx context.Context, roomID string, sdp protocol.SessionDescription) error
	SendCandidate(ctx context.Context, roomID string, c protocol.ICECandidate) error
	SendLeave(ctx context.Context, roomID string) error
}

// MediaSource acquires local media for a call.
type MediaSource interface {
	Acquire(ctx context.Context) (Media, error)
}

// Media is acquired local media. Stop ends all of its tracks.
type Media interface {
	Stop()
}

// Event is anything a Peer's loop reacts to.
type Event interface{ isEvent() }

type (
	// Start begins a session from idle by acquiring media.
	Start struct{}
	// MediaAttached and MediaFailed report the outcome of Start. The peer
	// posts them itself.
	MediaAttached struct {
		Media Media
		gen   uint64
	}
	MediaFailed struct {
		Err error
		gen uint64
	}
	// Ready is the server's signal that both participants joined.
	Ready struct{ Offerer string }
	// NegotiationNeeded asks the peer to send a fresh offer.
	NegotiationNeeded  struct{}
	RemoteOffer        struct{ SDP protocol.SessionDescription }
	RemoteAnswer       struct{ SDP protocol.SessionDescription }
	RemoteCandidate    struct{ Candidate protocol.ICECandidate }
	LocalCandidate     struct{ Candidate protocol.ICECandidate }
	TransportConnected struct{}
	TransportFailed    struct{}
	PeerLeft           struct{}
	// Close tears the call down. NotifyRemote sends rtc:leave first.
	Close struct{ NotifyRemote bool }
	// Reset returns a closed peer to idle over a fresh connection.
	Reset struct{ Conn Connection }
)

func (Start) isEvent()              {}
func (MediaAttached) isEvent()      {}
func (MediaFailed) isEvent()        {}
func (Ready) isEvent()              {}
func (NegotiationNeeded) isEvent()  {}
func (RemoteOffer) isEvent()        {}
func (RemoteAnswer) isEvent()       {}
func (RemoteCandidate) isEvent()    {}
func (LocalCandidate) isEvent()     {}
func (TransportConnected) isEvent() {}
func (TransportFailed) isEvent()    {}
func (PeerLeft) isEvent()           {}
func (Close) isEvent()              {}
func (Reset) isEvent()              {}

// Config identifies the peer and its collaborators.
type Config struct {
	RoomID   string
	SelfID   string
	Media    MediaSource // nil means no outbound media
	Signaler Signaler
	OnState  func(State) // called from the event loop
}

// Peer is one participant's negotiation state. All fields below are owned by
// the goroutine running Run.
type Peer struct {
	roomID  string
	self    string
	media   MediaSource
	sig     Signaler
	onState func(State)
	events  chan Event
	done    chan struct{}
	log     zerolog.Logger

	conn          Connection
	gen           uint64
	haveReady     bool
	polite        bool
	makingOffer   bool
	ignoreOffer   bool
	restarts      int
	pending       []protocol.ICECandidate
	deferredOffer *protocol.SessionDescription
	local         Media

	mu    sync.RWMutex
	state State
}

func NewPeer(cfg Config, conn Connection) *Peer {
	return &Peer{
		roomID:   cfg.RoomID,
		self:     cfg.SelfID,
		media:    cfg.Media,
		sig:      cfg.Signaler,
		onState:  cfg.OnState,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		log:      log.With().Str("module", "negotiation").Str("room", cfg.RoomID).Str("self", cfg.SelfID).Logger(),
		conn:     conn,
		restarts: 1,
		state:    StateIdle,
	}
}

// State returns the current state. Safe from any goroutine.
func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Done is closed when Run returns.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Post queues an event. It reports false if the peer stopped or ctx ended
// first.
func (p *Peer) Post(ctx context.Context, ev Event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Run starts a session and processes events until ctx is cancelled, at which
// point the call is torn down.
func (p *Peer) Run(ctx context.Context) {
	defer close(p.done)
	p.handle(ctx, Start{})

	for {
		select {
		case <-ctx.Done():
			p.teardown()
			p.enter(StateClosed)
			return
		case ev := <-p.events:
			p.handle(ctx, ev)
		}
	}
}

func (p *Peer) handle(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case Start:
		if p.State() != StateIdle || !p.enter(StateGatheringMedia) {
			return
		}
		p.acquire(ctx)

	case MediaAttached:
		if ev.gen != p.gen || p.State() != StateGatheringMedia {
			if ev.Media != nil {
				ev.Media.Stop()
			}
			return
		}
		if err := p.conn.AttachMedia(ev.Media); err != nil {
			p.log.Warn().Err(err).Msg("attach media")
		}
		p.local = ev.Media
		p.mediaReady(ctx)

	case MediaFailed:
		if ev.gen != p.gen || p.State() != StateGatheringMedia {
			return
		}
		p.log.Warn().Err(ev.Err).Msg("media unavailable, continuing without outbound tracks")
		p.mediaReady(ctx)

	case Ready:
		p.haveReady = true
		p.polite = ev.Offerer != p.self
		p.log.Info().Str("offerer", ev.Offerer).Bool("polite", p.polite).Msg("room ready")
		if p.State() == StateReady && !p.polite {
			p.startOffer(ctx, false)
		}

	case NegotiationNeeded:
		switch p.State() {
		case StateReady, StateNegotiating, StateConnected, StateFailed:
			p.startOffer(ctx, false)
		}

	case RemoteOffer:
		p.remoteOffer(ctx, ev.SDP)

	case RemoteAnswer:
		if p.State() != StateNegotiating {
			p.log.Info().Str("state", string(p.State())).Msg("answer ignored")
			return
		}
		if err := p.conn.SetRemoteDescription(ev.SDP); err != nil {
			p.log.Warn().Err(err).Msg("apply answer")
			return
		}
		p.flushCandidates()

	case RemoteCandidate:
		p.remoteCandidate(ev.Candidate)

	case LocalCandidate:
		switch p.State() {
		case StateIdle, StateClosed:
			return
		}
		if err := p.sig.SendCandidate(ctx, p.roomID, ev.Candidate); err != nil {
			p.log.Warn().Err(err).Msg("send candidate")
		}

	case TransportConnected:
		if p.State() == StateNegotiating {
			p.enter(StateConnected)
		}

	case TransportFailed:
		switch p.State() {
		case StateNegotiating, StateConnected:
		default:
			return
		}
		p.enter(StateFailed)
		if p.restarts == 0 {
			p.log.Info().Msg("transport failed, no restart left")
			return
		}
		p.restarts--
		p.log.Info().Msg("transport failed, restarting ice")
		p.startOffer(ctx, true)

	case PeerLeft:
		p.teardown()
		p.enter(StateClosed)

	case Close:
		if ev.NotifyRemote && p.State() != StateClosed {
			if err := p.sig.SendLeave(ctx, p.roomID); err != nil {
				p.log.Warn().Err(err).Msg("send leave")
			}
		}
		p.teardown()
		p.enter(StateClosed)

	case Reset:
		if p.State() != StateClosed {
			p.teardown()
			p.enter(StateClosed)
		}
		p.gen++
		p.conn = ev.Conn
		p.haveReady = false
		p.polite = false
		p.makingOffer = false
		p.ignoreOffer = false
		p.restarts = 1
		p.pending = nil
		p.deferredOffer = nil
		p.enter(StateIdle)
	}
}

// acquire fetches media off the loop and reports back with an event.
func (p *Peer) acquire(ctx context.Context) {
	gen := p.gen
	if p.media == nil {
		p.handle(ctx, MediaFailed{Err: errors.New("no media source"), gen: gen})
		return
	}
	go func() {
		m, err := p.media.Acquire(ctx)
		if err != nil {
			p.Post(ctx, MediaFailed{Err: err, gen: gen})
			return
		}
		if !p.Post(ctx, MediaAttached{Media: m, gen: gen}) {
			m.Stop()
		}
	}()
}

func (p *Peer) mediaReady(ctx context.Context) {
	p.enter(StateReady)
	if offer := p.deferredOffer; offer != nil {
		p.deferredOffer = nil
		p.remoteOffer(ctx, *offer)
		return
	}
	if p.haveReady && !p.polite {
		p.startOffer(ctx, false)
	}
}

func (p *Peer) startOffer(ctx context.Context, iceRestart bool) {
	if p.State() != StateNegotiating && !p.enter(StateNegotiating) {
		return
	}

	p.makingOffer = true
	defer func() { p.makingOffer = false }()

	offer, err := p.conn.CreateOffer(iceRestart)
	if err != nil {
		p.log.Warn().Err(err).Msg("create offer")
		return
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		p.log.Warn().Err(err).Msg("set local offer")
		return
	}
	if err := p.sig.SendOffer(ctx, p.roomID, offer); err != nil {
		p.log.Warn().Err(err).Msg("send offer")
	}
}

func (p *Peer) remoteOffer(ctx context.Context, sdp protocol.SessionDescription) {
	switch p.State() {
	case StateIdle, StateClosed:
		p.log.Info().Str("state", string(p.State())).Msg("offer ignored")
		return
	case StateGatheringMedia:
		p.deferredOffer = &sdp
		return
	}

	collision := p.makingOffer || !p.conn.SignalingStable()
	p.ignoreOffer = !p.polite && collision
	if p.ignoreOffer {
		p.log.Info().Msg("offer collision, keeping local offer")
		return
	}

	if collision {
		if err := p.conn.Rollback(); err != nil {
			p.log.Warn().Err(err).Msg("rollback local offer")
			return
		}
	}
	if err := p.conn.SetRemoteDescription(sdp); err != nil {
		p.log.Warn().Err(err).Msg("apply offer")
		return
	}
	p.flushCandidates()

	answer, err := p.conn.CreateAnswer()
	if err != nil {
		p.log.Warn().Err(err).Msg("create answer")
		return
	}
	if err := p.conn.SetLocalDescription(answer); err != nil {
		p.log.Warn().Err(err).Msg("set local answer")
		return
	}
	if p.State() != StateNegotiating {
		p.enter(StateNegotiating)
	}
	if err := p.sig.SendAnswer(ctx, p.roomID, answer); err != nil {
		p.log.Warn().Err(err).Msg("send answer")
	}
}

func (p *Peer) remoteCandidate(c protocol.ICECandidate) {
	switch p.State() {
	case StateIdle, StateClosed:
		return
	}
	if p.ignoreOffer || !p.conn.HasRemoteDescription() {
		p.buffer(c)
		return
	}
	if err := p.conn.AddICECandidate(c); err != nil {
		p.log.Warn().Err(err).Msg("add candidate")
	}
}

func (p *Peer) buffer(c protocol.ICECandidate) {
	if len(p.pending) >= MaxBufferedCandidates {
		p.log.Info().Msg("candidate buffer full, dropping candidate")
		return
	}
	p.pending = append(p.pending, c)
}

func (p *Peer) flushCandidates() {
	p.ignoreOffer = false
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := p.conn.AddICECandidate(c); err != nil {
			p.log.Warn().Err(err).Msg("add buffered candidate")
		}
	}
}

func (p *Peer) teardown() {
	if p.local != nil {
		p.local.Stop()
		p.local = nil
	}
	if p.State() == StateClosed {
		return
	}
	if err := p.conn.Close(); err != nil {
		p.log.Warn().Err(err).Msg("close connection")
	}
}

// enter moves to the given state when the table allows it.
func (p *Peer) enter(to State) bool {
	p.mu.Lock()
	from := p.state
	if from == to {
		p.mu.Unlock()
		return true
	}
	if !CanTransition(from, to) {
		p.mu.Unlock()
		p.log.Warn().Str("from", string(from)).Str("to", string(to)).Err(ErrIllegalTransition).Msg("transition rejected")
		return false
	}
	p.state = to
	p.mu.Unlock()

	p.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state")
	if p.onState != nil {
		p.onState(to)
	}
	return true
}
