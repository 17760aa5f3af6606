package quorum

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zmlAEQ/quorum-node/internal/bls"
	"github.com/zmlAEQ/quorum-node/internal/chain"
	"github.com/zmlAEQ/quorum-node/internal/registry"
	"github.com/zmlAEQ/quorum-node/pkg/logger"
	"github.com/zmlAEQ/quorum-node/pkg/metrics"
)

// Phase is the DKG state machine. Values 1..6 map directly onto block
// offsets within the DKG window; Idle covers the tail of the interval.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseInitialized
	PhaseContribute
	PhaseComplain
	PhaseJustify
	PhaseCommit
	PhaseFinalize
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialized:
		return "initialized"
	case PhaseContribute:
		return "contribute"
	case PhaseComplain:
		return "complain"
	case PhaseJustify:
		return "justify"
	case PhaseCommit:
		return "commit"
	case PhaseFinalize:
		return "finalize"
	case PhaseIdle:
		return "idle"
	default:
		return "none"
	}
}

// errAbortPhase unwinds the scheduler worker back to the top of the round
// loop. Reorgs, shutdown and failed initialization all travel this path.
var errAbortPhase = errors.New("quorum: abort phase")

// wakeInterval bounds every blocking wait in the worker so shutdown and
// reorg checks run at least this often.
const wakeInterval = 100 * time.Millisecond

// Broadcaster is the outgoing path to the network transport.
type Broadcaster interface {
	BroadcastQuorumMessage(t Type, command string, payload []byte) error
}

// HandlerConfig carries the per-scheduler knobs.
type HandlerConfig struct {
	WatchQuorums bool
	// MaxMessagesPerPeer caps buffered messages per peer and type;
	// 0 means twice the quorum size so double messages stay observable
	// as bad behavior.
	MaxMessagesPerPeer int
	// PhaseSleepFactor scales the jittered pre-phase sleep.
	PhaseSleepFactor float64
	// DrainBatchSize is how many messages one drain iteration pops.
	DrainBatchSize int
	// BlockSpacing is the expected inter-block time used to size the
	// pre-phase sleep. Zero disables sleeping (devnets mine on demand).
	BlockSpacing time.Duration

	MyProTxHash chain.Hash
	OperatorKey *bls.SecretKey
}

func (c HandlerConfig) withDefaults(params Params) HandlerConfig {
	if c.MaxMessagesPerPeer <= 0 {
		c.MaxMessagesPerPeer = 2 * params.Size
	}
	if c.PhaseSleepFactor <= 0 {
		c.PhaseSleepFactor = 0.5
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = 16
	}
	return c
}

// HandlerDeps are the external collaborators of one scheduler.
type HandlerDeps struct {
	Chain     chain.View
	Members   *MemberCache
	Sporks    SporkGate
	ConnMan   ConnectionManager
	Meta      *registry.MetaStore
	Punisher  registry.Punisher
	Sink      CommitmentSink
	Broadcast Broadcaster
	Worker    *bls.Worker
	WatchSeed *WatchSeed
}

// Handler drives one quorum type through DKG rounds on a dedicated worker
// goroutine, aligned to block heights.
type Handler struct {
	params Params
	cfg    HandlerConfig
	deps   HandlerDeps

	mu            sync.Mutex
	phase         Phase
	quorumHash    chain.Hash
	currentHeight uint64
	session       *Session

	pendingContributions *PendingMessages
	pendingComplaints    *PendingMessages
	pendingJustifications *PendingMessages
	pendingCommitments   *PendingMessages

	stopRequested atomic.Bool
	wg            sync.WaitGroup
	started       bool
}

func NewHandler(params Params, cfg HandlerConfig, deps HandlerDeps) *Handler {
	cfg = cfg.withDefaults(params)
	return &Handler{
		params: params,
		cfg:    cfg,
		deps:   deps,
		phase:  PhaseIdle,
		pendingContributions:  NewPendingMessages(CmdContribution, cfg.MaxMessagesPerPeer),
		pendingComplaints:     NewPendingMessages(CmdComplaint, cfg.MaxMessagesPerPeer),
		pendingJustifications: NewPendingMessages(CmdJustification, cfg.MaxMessagesPerPeer),
		pendingCommitments:    NewPendingMessages(CmdCommitment, cfg.MaxMessagesPerPeer),
	}
}

// StartWorker spawns the phase handler goroutine. Idempotent.
func (h *Handler) StartWorker() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.phaseHandlerLoop()
	}()
}

// StopWorker requests a stop and joins the worker.
func (h *Handler) StopWorker() {
	h.stopRequested.Store(true)
	h.wg.Wait()
}

// UpdatedBlockTip latches height, quorum hash and phase from the new tip.
// Non-blocking; called from the chain notifier.
func (h *Handler) UpdatedBlockTip(tip *chain.BlockIndex) {
	stage := tip.Height % h.params.DKGInterval
	base := tip.Ancestor(tip.Height - stage)
	if base == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	oldPhase := h.phase
	h.currentHeight = tip.Height
	h.quorumHash = base.Hash

	if stage%h.params.DKGPhaseBlocks == 0 {
		phaseInt := Phase(stage/h.params.DKGPhaseBlocks + 1)
		if phaseInt >= PhaseInitialized && phaseInt <= PhaseIdle {
			h.phase = phaseInt
		}
	}
	if h.phase != oldPhase {
		logger.InfoJ("dkg_handler", map[string]any{"type": h.params.Name, "op": "tip", "height": tip.Height, "base_height": base.Height, "old_phase": oldPhase.String(), "phase": h.phase.String()})
		metrics.SetGauge("dkg_current_phase", map[string]string{"type": h.params.Name}, float64(h.phase))
	}
}

// ProcessMessage routes a raw network message into the buffer of its
// command tag. Deserialization happens later on the worker.
func (h *Handler) ProcessMessage(peerID string, command string, raw []byte) {
	switch command {
	case CmdContribution:
		h.pendingContributions.Push(peerID, raw)
	case CmdComplaint:
		h.pendingComplaints.Push(peerID, raw)
	case CmdJustification:
		h.pendingJustifications.Push(peerID, raw)
	case CmdCommitment:
		h.pendingCommitments.Push(peerID, raw)
	}
}

// GetPhaseAndQuorumHash is the diagnostics read of the scheduler state.
func (h *Handler) GetPhaseAndQuorumHash() (Phase, chain.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase, h.quorumHash
}

// BufferDepths returns queued message counts per command, for diagnostics.
func (h *Handler) BufferDepths() map[string]int {
	return map[string]int{
		CmdContribution:  h.pendingContributions.Len(),
		CmdComplaint:     h.pendingComplaints.Len(),
		CmdJustification: h.pendingJustifications.Len(),
		CmdCommitment:    h.pendingCommitments.Len(),
	}
}

func (h *Handler) phaseHandlerLoop() {
	for !h.stopRequested.Load() {
		if err := h.handleDKGRound(); err != nil {
			logger.InfoJ("dkg_handler", map[string]any{"type": h.params.Name, "op": "round", "result": "aborted"})
			metrics.Inc("dkg_sessions_total", map[string]string{"type": h.params.Name, "result": "aborted"})
		}
	}
}

func (h *Handler) clearBuffers() {
	h.pendingContributions.Clear()
	h.pendingComplaints.Clear()
	h.pendingJustifications.Clear()
	h.pendingCommitments.Clear()
}

// waitForNextPhase blocks until the latched phase becomes next. It aborts
// on stop, on an unexpected quorum hash (unless expected is zero), and, when
// cur is not PhaseNone, on any phase that is neither cur nor next. drain, when non-nil, is run on each wakeup; returning true
// skips the sleep so a busy buffer is consumed at full speed.
func (h *Handler) waitForNextPhase(cur, next Phase, expected chain.Hash, drain func() bool) error {
	for {
		if h.stopRequested.Load() {
			return errAbortPhase
		}
		p, hash := h.GetPhaseAndQuorumHash()
		if !expected.IsZero() && hash != expected {
			return errAbortPhase
		}
		if p == next {
			return nil
		}
		if cur != PhaseNone && p != cur {
			return errAbortPhase
		}
		if drain == nil || !drain() {
			time.Sleep(wakeInterval)
		}
	}
}

// waitForNewQuorum parks the worker until the latched quorum hash moves off
// oldHash. Used after a failed initialization.
func (h *Handler) waitForNewQuorum(oldHash chain.Hash) error {
	for {
		if h.stopRequested.Load() {
			return errAbortPhase
		}
		if _, hash := h.GetPhaseAndQuorumHash(); hash != oldHash {
			return nil
		}
		time.Sleep(wakeInterval)
	}
}

// phaseSleepTime computes the deterministic jittered pre-phase sleep for
// the local member. The base is the phase window minus one block (blocks
// can arrive early; the last block must not be slept through), spread
// across members, scaled by the configured factor, plus a sub-slot jitter
// seeded by (quorum hash, member index) so the smear is auditable.
func (h *Handler) phaseSleepTime(quorumHash chain.Hash, memberIdx int) time.Duration {
	if h.cfg.BlockSpacing <= 0 {
		return 0
	}
	window := time.Duration(h.params.DKGPhaseBlocks-1) * h.cfg.BlockSpacing
	perMember := float64(window) / float64(h.params.Size)

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(memberIdx))
	seed := hashConcat(quorumHash[:], idx[:])
	jitter := float64(binary.BigEndian.Uint64(seed[:8])%1000) / 1000.0

	return time.Duration(perMember * h.cfg.PhaseSleepFactor * (float64(memberIdx) + jitter))
}

// sleepBeforePhase smears phase work across members. It keeps watching the
// chain: blocks arriving faster than expected cut the sleep short, and a
// phase or quorum-hash change aborts.
func (h *Handler) sleepBeforePhase(curPhase Phase, expected chain.Hash, drain func() bool) error {
	h.mu.Lock()
	session := h.session
	heightStart := h.currentHeight
	h.mu.Unlock()
	if session == nil || !session.AreWeMember() {
		// Observers create no network load; nothing to smear.
		return nil
	}

	sleepTime := h.phaseSleepTime(expected, session.MyMemberIndex())
	if sleepTime <= 0 {
		return nil
	}
	endTime := time.Now().Add(sleepTime)
	heightTmp := heightStart

	for time.Now().Before(endTime) {
		if h.stopRequested.Load() {
			return errAbortPhase
		}
		h.mu.Lock()
		height, phase, hash := h.currentHeight, h.phase, h.quorumHash
		h.mu.Unlock()
		if height > heightTmp {
			expectedBlockTime := time.Duration(height-heightStart) * h.cfg.BlockSpacing
			if expectedBlockTime > sleepTime {
				// Blocks came faster than expected; run the phase now.
				break
			}
			heightTmp = height
		}
		if phase != curPhase || hash != expected {
			return errAbortPhase
		}
		if drain == nil || !drain() {
			time.Sleep(wakeInterval)
		}
	}
	return nil
}

// handlePhase runs one phase window: jittered sleep, phase-start broadcast,
// then the drain loop until the chain moves to the next phase.
func (h *Handler) handlePhase(cur, next Phase, expected chain.Hash, start func(), drain func() bool) error {
	began := time.Now()
	if err := h.sleepBeforePhase(cur, expected, drain); err != nil {
		return err
	}
	start()
	if err := h.waitForNextPhase(cur, next, expected, drain); err != nil {
		return err
	}
	metrics.ObserveSummary("dkg_phase_ms", map[string]string{"type": h.params.Name, "phase": cur.String()}, float64(time.Since(began).Milliseconds()))
	return nil
}

// broadcastMessages ships session outputs, re-checking under the lock that
// the quorum is still current so no message leaks after a reorg.
func (h *Handler) broadcastMessages(expected chain.Hash, command string, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	h.mu.Lock()
	current := h.quorumHash
	h.mu.Unlock()
	if current != expected {
		return
	}
	for _, msg := range msgs {
		payload, err := Encode(msg)
		if err != nil {
			logger.ErrorJ("dkg_handler", map[string]any{"type": h.params.Name, "op": "broadcast", "command": command, "result": "encode_error", "err": err.Error()})
			continue
		}
		if err := h.deps.Broadcast.BroadcastQuorumMessage(h.params.Type, command, payload); err != nil {
			logger.ErrorJ("dkg_handler", map[string]any{"type": h.params.Name, "op": "broadcast", "command": command, "result": "error", "err": err.Error()})
		}
	}
}

// initNewQuorum computes membership, declares connections, and constructs
// the session. Returns false when this node has no stake in the round.
func (h *Handler) initNewQuorum(base *chain.BlockIndex) bool {
	members := h.deps.Members.MembersFor(h.params, base)
	metrics.SetGauge("dkg_members", map[string]string{"type": h.params.Name}, float64(len(members)))
	if len(members) < h.params.MinSize {
		logger.WarnJ("dkg_handler", map[string]any{"type": h.params.Name, "op": "init", "result": "too_few_members", "members": len(members)})
		return false
	}

	isMember := false
	for _, mn := range members {
		if mn.ProTxHash == h.cfg.MyProTxHash {
			isMember = true
			break
		}
	}

	EnsureConnections(h.params, h.deps.Sporks, h.deps.ConnMan, members, base.Hash, h.cfg.MyProTxHash, h.cfg.WatchQuorums, h.deps.WatchSeed.Get())

	if !isMember {
		// Watch-only nodes observe through the declared connection but
		// never run a session or emit DKG traffic.
		return false
	}

	probes := ProbeTargets(h.params, h.deps.Sporks, h.deps.Meta, members, h.cfg.MyProTxHash, time.Now())
	if len(probes) > 0 {
		h.deps.ConnMan.AddProbes(probes)
	}

	session := NewSession(h.params, h.deps.Worker, base, members, h.cfg.MyProTxHash, h.cfg.OperatorKey)
	h.mu.Lock()
	h.session = session
	h.mu.Unlock()
	logger.InfoJ("dkg_handler", map[string]any{"type": h.params.Name, "op": "init", "result": "ok", "quorum": base.Hash.String(), "members": len(members), "my_index": session.MyMemberIndex()})
	return true
}

func (h *Handler) dropSession() {
	h.mu.Lock()
	h.session = nil
	h.mu.Unlock()
	h.clearBuffers()
}

// handleDKGRound is one full trip through the state machine. Any abort
// unwinds here and the loop re-enters wait-for-new-quorum.
func (h *Handler) handleDKGRound() error {
	if err := h.waitForNextPhase(PhaseNone, PhaseInitialized, chain.Hash{}, nil); err != nil {
		return err
	}

	h.clearBuffers()
	h.mu.Lock()
	curQuorumHash := h.quorumHash
	h.mu.Unlock()

	base := h.deps.Chain.Lookup(curQuorumHash)
	if base == nil || !h.initNewQuorum(base) {
		if err := h.waitForNewQuorum(curQuorumHash); err != nil {
			return err
		}
		return errAbortPhase
	}
	defer h.dropSession()

	session := func() *Session { h.mu.Lock(); defer h.mu.Unlock(); return h.session }()

	if err := h.waitForNextPhase(PhaseInitialized, PhaseContribute, curQuorumHash, nil); err != nil {
		return err
	}

	type phaseStep struct {
		cur, next Phase
		buffer    *PendingMessages
		start     func()
		receive   func(Message) bool
	}
	steps := []phaseStep{
		{PhaseContribute, PhaseComplain, h.pendingContributions,
			func() { h.broadcastMessages(curQuorumHash, CmdContribution, session.Contribute()) },
			func(m Message) bool { return session.ReceiveContribution(m.(*Contribution)) }},
		{PhaseComplain, PhaseJustify, h.pendingComplaints,
			func() { h.broadcastMessages(curQuorumHash, CmdComplaint, session.VerifyAndComplain()) },
			func(m Message) bool { return session.ReceiveComplaint(m.(*Complaint)) }},
		{PhaseJustify, PhaseCommit, h.pendingJustifications,
			func() { h.broadcastMessages(curQuorumHash, CmdJustification, session.VerifyAndJustify()) },
			func(m Message) bool { return session.ReceiveJustification(m.(*Justification)) }},
		{PhaseCommit, PhaseFinalize, h.pendingCommitments,
			func() { h.broadcastMessages(curQuorumHash, CmdCommitment, session.VerifyAndCommit()) },
			func(m Message) bool { return session.ReceiveCommitment(m.(*PrematureCommitment)) }},
	}
	for _, st := range steps {
		drain := func() bool { return h.processPendingBatch(session, st.buffer, st.receive) }
		if err := h.handlePhase(st.cur, st.next, curQuorumHash, st.start, drain); err != nil {
			return err
		}
	}

	for _, fc := range session.FinalizeCommitments() {
		h.deps.Sink.AddMineableCommitment(fc)
	}
	return nil
}

// processPendingBatch pops one batch, decodes, pre-verifies, batch-checks
// operator signatures, and integrates the survivors. Returns true when any
// message was popped so the drain loop keeps spinning on a busy buffer.
func (h *Handler) processPendingBatch(session *Session, pm *PendingMessages, receive func(Message) bool) bool {
	batch := pm.Pop(h.cfg.DrainBatchSize)
	if len(batch) == 0 {
		return false
	}

	pre := make([]decodedMessage, 0, len(batch))
	for _, bm := range batch {
		msg, err := Decode(pm.msgType, bm.Bytes)
		if err != nil {
			h.punish(bm.PeerID, 100, "decode_failed")
			continue
		}
		ok, ban := session.PreVerify(msg)
		if !ok {
			if ban {
				h.punish(bm.PeerID, 100, "preverify_failed")
			}
			metrics.Inc("dkg_msgs_total", map[string]string{"type": pm.msgType, "result": "rejected"})
			continue
		}
		pre = append(pre, decodedMessage{peerID: bm.PeerID, msg: msg, signHash: msg.SignHash(h.params.Type)})
	}
	if len(pre) == 0 {
		return true
	}

	badPeers := h.batchVerifySigs(session, pre)

	for _, d := range pre {
		if _, bad := badPeers[d.peerID]; bad {
			continue
		}
		if ban := receive(d.msg); ban {
			h.punish(d.peerID, 100, "receive_failed")
			badPeers[d.peerID] = struct{}{}
			continue
		}
		metrics.Inc("dkg_msgs_total", map[string]string{"type": pm.msgType, "result": "ok"})
	}
	return true
}

type decodedMessage struct {
	peerID   string
	msg      Message
	signHash chain.Hash
}

// batchVerifySigs verifies operator signatures for a batch in one aggregate
// pairing on the worker pool. On aggregate failure: a single-sender batch is
// condemned wholesale, a mixed batch is re-verified singly to isolate the
// offenders. Duplicate sign hashes also force the single path.
func (h *Handler) batchVerifySigs(session *Session, batch []decodedMessage) map[string]struct{} {
	bad := make(map[string]struct{})

	senders := make([]chain.Hash, 0, len(batch))
	for _, d := range batch {
		senders = append(senders, d.msg.Sender())
	}
	pubKeys := session.OperatorPubKeys(senders)

	sigs := make([][]byte, 0, len(batch))
	msgs := make([][]byte, 0, len(batch))
	pks := make([][]byte, 0, len(batch))
	seenHashes := make(map[chain.Hash]struct{}, len(batch))
	singleOnly := false
	for i, d := range batch {
		if pubKeys[i] == nil {
			bad[d.peerID] = struct{}{}
			continue
		}
		if _, dup := seenHashes[d.signHash]; dup {
			// Same sign hash twice with different bytes means at least
			// one bogus signature; aggregate math cannot assign blame.
			singleOnly = true
			break
		}
		seenHashes[d.signHash] = struct{}{}
		sigs = append(sigs, d.msg.Signature())
		msgs = append(msgs, append([]byte(nil), d.signHash[:]...))
		pks = append(pks, pubKeys[i])
	}

	if !singleOnly && len(sigs) > 0 {
		aggSig, err := bls.AggregateSignatures(sigs)
		if err == nil && <-h.deps.Worker.AggregateVerifyAsync(pks, msgs, aggSig) {
			return bad
		}
		allSame := true
		for _, d := range batch {
			if d.peerID != batch[0].peerID {
				allSame = false
				break
			}
		}
		if allSame {
			h.punish(batch[0].peerID, 100, "sig_verify_failed")
			bad[batch[0].peerID] = struct{}{}
			return bad
		}
	}

	for i, d := range batch {
		if _, isBad := bad[d.peerID]; isBad || pubKeys[i] == nil {
			continue
		}
		if !<-h.deps.Worker.VerifyAsync(pubKeys[i], d.signHash[:], d.msg.Signature()) {
			h.punish(d.peerID, 100, "sig_verify_failed")
			bad[d.peerID] = struct{}{}
		}
	}
	return bad
}

func (h *Handler) punish(peerID string, score int, reason string) {
	logger.InfoJ("dkg_handler", map[string]any{"type": h.params.Name, "op": "punish", "peer": peerID, "score": score, "reason": reason})
	metrics.Inc("dkg_punishments_total", map[string]string{"reason": reason})
	if h.deps.Punisher != nil {
		h.deps.Punisher.Punish(peerID, score, reason)
	}
}
