package quorum

import (
	"crypto/rand"
	"sync"

	"github.com/zmlAEQ/quorum-node/internal/bls"
	"github.com/zmlAEQ/quorum-node/internal/chain"
	"github.com/zmlAEQ/quorum-node/internal/registry"
	"github.com/zmlAEQ/quorum-node/pkg/logger"
	"github.com/zmlAEQ/quorum-node/pkg/metrics"
)

// SessionMember is a session-local view of one quorum member.
type SessionMember struct {
	Idx int
	MN  *registry.Masternode

	contributed bool
	vvec        [][]byte
	// badVotes counts distinct complainers; reaching the params threshold
	// marks the member bad.
	badVotes  int
	bad       bool
	justified bool
	// accusedBy tracks who complained, for dedup of bad votes.
	accusedBy map[int]struct{}
}

type pendingShareVerify struct {
	dealerIdx int
	result    <-chan bool
}

type commitGroup struct {
	first   *PrematureCommitment
	signers map[int]*PrematureCommitment
}

// Session is the one-shot protocol engine for a single quorum
// instantiation. It is exclusively owned by its scheduler; every entry point
// takes the session mutex and no session state escapes by reference.
type Session struct {
	params Params
	worker *bls.Worker

	quorumHash chain.Hash
	members    []*SessionMember
	byProTx    map[chain.Hash]*SessionMember

	myProTxHash chain.Hash
	myIdx       int // -1 when the local node is not a member
	opSecret    *bls.SecretKey

	mu sync.Mutex

	// Dealer state.
	poly *bls.Polynomial

	// plainShares holds validated plaintext shares dealt to us, by dealer.
	plainShares map[int][]byte
	// complaintsFor marks dealers whose share failed decryption or
	// verification locally.
	complaintsFor Bitset

	pendingVerifies []pendingShareVerify

	commitGroups map[chain.Hash]*commitGroup

	sentContribution  bool
	sentComplaint     bool
	sentJustification bool
	sentCommitment    bool
	finalized         bool
}

// NewSession builds the session for one (params, base block) instantiation.
// opSecret is the local operator key; nil for watch-only observers.
func NewSession(params Params, worker *bls.Worker, base *chain.BlockIndex, members []*registry.Masternode, myProTxHash chain.Hash, opSecret *bls.SecretKey) *Session {
	s := &Session{
		params:      params,
		worker:      worker,
		quorumHash:  base.Hash,
		byProTx:     make(map[chain.Hash]*SessionMember, len(members)),
		myProTxHash: myProTxHash,
		myIdx:       -1,
		opSecret:    opSecret,
		plainShares: make(map[int][]byte),
		complaintsFor: NewBitset(len(members)),
		commitGroups:  make(map[chain.Hash]*commitGroup),
	}
	for i, mn := range members {
		m := &SessionMember{Idx: i, MN: mn, accusedBy: make(map[int]struct{})}
		s.members = append(s.members, m)
		s.byProTx[mn.ProTxHash] = m
		if mn.ProTxHash == myProTxHash {
			s.myIdx = i
		}
	}
	return s
}

// AreWeMember reports whether the local node participates in this session.
func (s *Session) AreWeMember() bool { return s.myIdx >= 0 }

// MyMemberIndex returns the local member index, -1 for observers.
func (s *Session) MyMemberIndex() int { return s.myIdx }

func (s *Session) member(proTx chain.Hash) *SessionMember { return s.byProTx[proTx] }

func (s *Session) logFields(extra map[string]any) map[string]any {
	f := map[string]any{"type": s.params.Name, "quorum": s.quorumHash.String()}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// PreVerify performs the static, signature-free checks on a decoded message.
// ban reports whether the failure is malicious rather than stale.
func (s *Session) PreVerify(msg Message) (ok bool, ban bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Quorum() != s.quorumHash {
		// Stale quorum hash happens legitimately around round boundaries.
		return false, false
	}
	m := s.member(msg.Sender())
	if m == nil {
		return false, true
	}
	switch v := msg.(type) {
	case *Contribution:
		if len(v.Vvec) != s.params.Threshold || len(v.Shares) != len(s.members) {
			return false, true
		}
		if m.contributed {
			return false, false
		}
	case *Complaint:
		if len(v.BadMembers) != len(NewBitset(len(s.members))) || len(v.ComplainForMembers) != len(NewBitset(len(s.members))) {
			return false, true
		}
	case *Justification:
		if len(v.Shares) == 0 {
			return false, true
		}
	case *PrematureCommitment:
		if len(v.ValidMembers) != len(NewBitset(len(s.members))) {
			return false, true
		}
		if v.ValidMembers.Count() < s.params.MinSize {
			return false, true
		}
	}
	return true, false
}

// OperatorPubKeys returns the operator keys for a batch of senders, aligned
// with the input. Unknown senders yield nil entries.
func (s *Session) OperatorPubKeys(senders []chain.Hash) [][]byte {
	out := make([][]byte, len(senders))
	for i, h := range senders {
		if m := s.member(h); m != nil {
			out[i] = m.MN.OperatorPubKey
		}
	}
	return out
}

// Contribute is the Contribute phase-start hook: sample the polynomial,
// commit to it, deal one encrypted share per member. Idempotent.
func (s *Session) Contribute() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentContribution || !s.AreWeMember() || s.opSecret == nil {
		return nil
	}
	s.sentContribution = true

	poly, err := bls.NewPolynomial(s.params.Threshold, rand.Reader)
	if err != nil {
		logger.ErrorJ("dkg_session", s.logFields(map[string]any{"op": "contribute", "result": "error", "err": err.Error()}))
		return nil
	}
	s.poly = poly
	vvec, err := poly.Commitments()
	if err != nil {
		return nil
	}

	shares := make([][]byte, len(s.members))
	for _, m := range s.members {
		plain, err := poly.Evaluate(m.Idx + 1)
		if err != nil {
			return nil
		}
		enc, err := bls.EncryptShare(m.MN.OperatorPubKey, plain)
		if err != nil {
			logger.ErrorJ("dkg_session", s.logFields(map[string]any{"op": "contribute", "result": "encrypt_error", "member": m.Idx}))
			return nil
		}
		shares[m.Idx] = enc
	}

	c := &Contribution{QuorumHash: s.quorumHash, ProTxHash: s.myProTxHash, Vvec: vvec, Shares: shares}
	cSignHash := c.SignHash(s.params.Type)
	c.Sig = s.opSecret.Sign(cSignHash[:])
	logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "contribute", "result": "ok"}))
	metrics.Inc("dkg_msgs_total", map[string]string{"type": CmdContribution, "result": "sent"})

	// Our own contribution is integrated directly instead of via loopback.
	s.receiveContributionLocked(c)
	return []Message{c}
}

// ReceiveContribution integrates a signature-verified contribution.
func (s *Session) ReceiveContribution(c *Contribution) (ban bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveContributionLocked(c)
}

func (s *Session) receiveContributionLocked(c *Contribution) (ban bool) {
	m := s.member(c.ProTxHash)
	if m == nil || m.contributed {
		return false
	}
	m.contributed = true
	m.vvec = c.Vvec

	if !s.AreWeMember() || s.opSecret == nil {
		return false
	}
	enc := c.Shares[s.myIdx]
	plain, err := bls.DecryptShare(s.opSecret, enc)
	if err != nil {
		// Undecryptable share: complain, let the dealer justify publicly.
		s.complaintsFor.Set(m.Idx, true)
		logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "recv_contribution", "member": m.Idx, "result": "decrypt_failed"}))
		return false
	}
	if m.Idx == s.myIdx {
		s.plainShares[m.Idx] = plain
		return false
	}
	dealerIdx := m.Idx
	res := s.worker.VerifyShareAsync(plain, s.myIdx+1, c.Vvec)
	s.pendingVerifies = append(s.pendingVerifies, pendingShareVerify{dealerIdx: dealerIdx, result: res})
	s.plainShares[dealerIdx] = plain
	return false
}

// drainVerifiesLocked waits for every scheduled share verification before
// the session advances past Contribute.
func (s *Session) drainVerifiesLocked() {
	for _, pv := range s.pendingVerifies {
		if ok := <-pv.result; !ok {
			s.complaintsFor.Set(pv.dealerIdx, true)
			delete(s.plainShares, pv.dealerIdx)
		}
	}
	s.pendingVerifies = nil
}

// VerifyAndComplain is the Complain phase-start hook: finish share
// verification, then accuse dealers that failed or never contributed.
func (s *Session) VerifyAndComplain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentComplaint || !s.AreWeMember() || s.opSecret == nil {
		return nil
	}
	s.sentComplaint = true
	s.drainVerifiesLocked()

	bad := NewBitset(len(s.members))
	missing := NewBitset(len(s.members))
	for _, m := range s.members {
		if s.complaintsFor.Get(m.Idx) {
			bad.Set(m.Idx, true)
		} else if !m.contributed {
			missing.Set(m.Idx, true)
		}
	}
	if bad.Count() == 0 && missing.Count() == 0 {
		logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "complain", "result": "none"}))
		return nil
	}

	c := &Complaint{QuorumHash: s.quorumHash, ProTxHash: s.myProTxHash, BadMembers: bad, ComplainForMembers: missing}
	cSignHash := c.SignHash(s.params.Type)
	c.Sig = s.opSecret.Sign(cSignHash[:])
	logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "complain", "bad": bad.Count(), "missing": missing.Count()}))
	metrics.Inc("dkg_msgs_total", map[string]string{"type": CmdComplaint, "result": "sent"})
	s.receiveComplaintLocked(c)
	return []Message{c}
}

// ReceiveComplaint tallies bad votes; a member crossing the bad-votes
// threshold is marked bad unless it later justifies.
func (s *Session) ReceiveComplaint(c *Complaint) (ban bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveComplaintLocked(c)
}

func (s *Session) receiveComplaintLocked(c *Complaint) (ban bool) {
	from := s.member(c.ProTxHash)
	if from == nil {
		return false
	}
	for _, accused := range s.members {
		if !c.BadMembers.Get(accused.Idx) && !c.ComplainForMembers.Get(accused.Idx) {
			continue
		}
		if _, dup := accused.accusedBy[from.Idx]; dup {
			continue
		}
		accused.accusedBy[from.Idx] = struct{}{}
		accused.badVotes++
		if accused.badVotes >= s.params.DKGBadVotesThreshold && !accused.justified {
			if !accused.bad {
				logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "recv_complaint", "member": accused.Idx, "result": "marked_bad"}))
			}
			accused.bad = true
		}
	}
	return false
}

// VerifyAndJustify is the Justify phase-start hook: when the local member
// was accused, republish the plaintext shares so everyone can re-verify.
func (s *Session) VerifyAndJustify() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentJustification || !s.AreWeMember() || s.opSecret == nil || s.poly == nil {
		return nil
	}
	me := s.members[s.myIdx]
	if len(me.accusedBy) == 0 {
		return nil
	}
	s.sentJustification = true

	shares := make([]JustifiedShare, 0, len(s.members))
	for _, m := range s.members {
		plain, err := s.poly.Evaluate(m.Idx + 1)
		if err != nil {
			return nil
		}
		shares = append(shares, JustifiedShare{Index: m.Idx, Share: plain})
	}
	j := &Justification{QuorumHash: s.quorumHash, ProTxHash: s.myProTxHash, Shares: shares}
	jSignHash := j.SignHash(s.params.Type)
	j.Sig = s.opSecret.Sign(jSignHash[:])
	logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "justify", "accusers": len(me.accusedBy)}))
	metrics.Inc("dkg_msgs_total", map[string]string{"type": CmdJustification, "result": "sent"})
	s.receiveJustificationLocked(j)
	return []Message{j}
}

// ReceiveJustification re-verifies the accused dealer's plaintext shares
// against its verification vector. A justification that fails verification
// is ignored and the dealer stays accused.
func (s *Session) ReceiveJustification(j *Justification) (ban bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveJustificationLocked(j)
}

func (s *Session) receiveJustificationLocked(j *Justification) (ban bool) {
	dealer := s.member(j.ProTxHash)
	if dealer == nil || dealer.justified {
		return false
	}
	if len(dealer.accusedBy) == 0 && !s.complaintsFor.Get(dealer.Idx) {
		// Unsolicited justification is protocol abuse.
		return true
	}
	if !dealer.contributed || dealer.vvec == nil {
		// Cannot justify a contribution that was never made.
		return false
	}
	for _, js := range j.Shares {
		if js.Index < 0 || js.Index >= len(s.members) {
			return true
		}
		ok, err := bls.VerifyShare(js.Share, js.Index+1, dealer.vvec)
		if err != nil || !ok {
			logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "recv_justification", "member": dealer.Idx, "result": "invalid"}))
			return true
		}
		if s.AreWeMember() && js.Index == s.myIdx {
			s.plainShares[dealer.Idx] = js.Share
			s.complaintsFor.Set(dealer.Idx, false)
		}
	}
	dealer.justified = true
	dealer.bad = false
	logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "recv_justification", "member": dealer.Idx, "result": "ok"}))
	return false
}

// validMembersLocked is the local view at commit time: contributed, not bad.
func (s *Session) validMembersLocked() Bitset {
	valid := NewBitset(len(s.members))
	for _, m := range s.members {
		if m.contributed && !m.bad {
			valid.Set(m.Idx, true)
		}
	}
	return valid
}

// VerifyAndCommit is the Commit phase-start hook: derive the quorum key
// from all valid verification vectors and broadcast the premature
// commitment with a threshold signature share over the consensus view.
func (s *Session) VerifyAndCommit() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentCommitment || !s.AreWeMember() || s.opSecret == nil {
		return nil
	}
	s.sentCommitment = true

	valid := s.validMembersLocked()
	if valid.Count() < s.params.MinSize {
		logger.WarnJ("dkg_session", s.logFields(map[string]any{"op": "commit", "result": "too_few_members", "valid": valid.Count()}))
		return nil
	}

	var vvec0 [][]byte
	var vvecParts [][]byte
	for _, m := range s.members {
		if !valid.Get(m.Idx) {
			continue
		}
		vvec0 = append(vvec0, m.vvec[0])
		for _, p := range m.vvec {
			vvecParts = append(vvecParts, p)
		}
	}
	quorumPubKey, err := bls.AggregatePublicKeys(vvec0)
	if err != nil {
		logger.ErrorJ("dkg_session", s.logFields(map[string]any{"op": "commit", "result": "agg_error", "err": err.Error()}))
		return nil
	}
	vvecHash := hashConcat(vvecParts...)

	// The local quorum secret share is the sum of every valid dealer's
	// share for our index; missing ones mean we cannot contribute a
	// threshold share and sit this commitment out.
	var shareParts [][]byte
	for _, m := range s.members {
		if !valid.Get(m.Idx) {
			continue
		}
		plain, ok := s.plainShares[m.Idx]
		if !ok {
			logger.WarnJ("dkg_session", s.logFields(map[string]any{"op": "commit", "result": "missing_share", "member": m.Idx}))
			return nil
		}
		shareParts = append(shareParts, plain)
	}
	skShareBytes, err := bls.AddShares(shareParts)
	if err != nil {
		return nil
	}
	skShare, err := bls.SecretKeyFromBytes(skShareBytes)
	if err != nil {
		return nil
	}

	pc := &PrematureCommitment{
		QuorumHash:      s.quorumHash,
		ProTxHash:       s.myProTxHash,
		ValidMembers:    valid,
		QuorumPublicKey: quorumPubKey,
		QuorumVvecHash:  vvecHash,
	}
	ch := pc.CommitmentHash(s.params.Type)
	pc.QuorumSig = skShare.Sign(ch[:])
	pcSignHash := pc.SignHash(s.params.Type)
	pc.Sig = s.opSecret.Sign(pcSignHash[:])
	logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "commit", "valid": valid.Count()}))
	metrics.Inc("dkg_msgs_total", map[string]string{"type": CmdCommitment, "result": "sent"})
	s.receiveCommitmentLocked(pc)
	return []Message{pc}
}

// ReceiveCommitment groups premature commitments by their consensus view.
func (s *Session) ReceiveCommitment(pc *PrematureCommitment) (ban bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveCommitmentLocked(pc)
}

func (s *Session) receiveCommitmentLocked(pc *PrematureCommitment) (ban bool) {
	from := s.member(pc.ProTxHash)
	if from == nil {
		return false
	}
	if !pc.ValidMembers.Get(from.Idx) {
		// A member voting itself invalid is nonsense.
		return true
	}
	key := pc.CommitmentHash(s.params.Type)
	g := s.commitGroups[key]
	if g == nil {
		g = &commitGroup{first: pc, signers: make(map[int]*PrematureCommitment)}
		s.commitGroups[key] = g
	}
	if _, dup := g.signers[from.Idx]; dup {
		return false
	}
	g.signers[from.Idx] = pc
	return false
}

// FinalizeCommitments aggregates every commitment group that reached the
// threshold into final commitments. Normally zero or one group survives.
func (s *Session) FinalizeCommitments() []*FinalCommitment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil
	}
	s.finalized = true

	var out []*FinalCommitment
	for key, g := range s.commitGroups {
		if len(g.signers) < s.params.Threshold {
			continue
		}
		signers := NewBitset(len(s.members))
		var sigShares []bls.Share
		var memberSigs [][]byte
		for idx, pc := range g.signers {
			signers.Set(idx, true)
			sigShares = append(sigShares, bls.Share{Index: idx + 1, Value: pc.QuorumSig})
			memberSigs = append(memberSigs, pc.Sig)
		}
		quorumSig, err := bls.RecoverSignature(sigShares, s.params.Threshold)
		if err != nil {
			logger.ErrorJ("dkg_session", s.logFields(map[string]any{"op": "finalize", "result": "recover_error", "err": err.Error()}))
			continue
		}
		if !bls.Verify(g.first.QuorumPublicKey, key[:], quorumSig) {
			logger.ErrorJ("dkg_session", s.logFields(map[string]any{"op": "finalize", "result": "quorum_sig_invalid"}))
			continue
		}
		membersSig, err := bls.AggregateSignatures(memberSigs)
		if err != nil {
			continue
		}
		fc := &FinalCommitment{
			Type:            s.params.Type,
			QuorumHash:      s.quorumHash,
			Signers:         signers,
			ValidMembers:    g.first.ValidMembers,
			QuorumPublicKey: g.first.QuorumPublicKey,
			QuorumVvecHash:  g.first.QuorumVvecHash,
			QuorumSig:       quorumSig,
			MembersSig:      membersSig,
		}
		out = append(out, fc)
		logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "finalize", "result": "ok", "signers": signers.Count(), "valid": fc.ValidMembers.Count()}))
		metrics.Inc("dkg_sessions_total", map[string]string{"type": s.params.Name, "result": "ok"})
	}
	if len(out) == 0 {
		logger.InfoJ("dkg_session", s.logFields(map[string]any{"op": "finalize", "result": "no_commitment"}))
		metrics.Inc("dkg_sessions_total", map[string]string{"type": s.params.Name, "result": "failed"})
	}
	return out
}
