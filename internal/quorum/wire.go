package quorum

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zmlAEQ/quorum-node/internal/chain"
)

// Command tags of the four DKG protocol messages. They double as pubsub
// topic suffixes on the transport.
const (
	CmdContribution = "qcontrib"
	CmdComplaint    = "qcomplaint"
	CmdJustification = "qjustify"
	CmdCommitment   = "qpcommit"
)

// ErrDecode classifies undecodable payloads; the scheduler treats it as
// peer misbehavior.
var ErrDecode = errors.New("quorum: decode failed")

// Message is the common surface of the four protocol messages.
type Message interface {
	// Quorum returns the quorum hash this message belongs to.
	Quorum() chain.Hash
	// Sender returns the member's proTxHash.
	Sender() chain.Hash
	// Signature returns the member's operator signature.
	Signature() []byte
	// SignHash returns the digest the operator signature covers.
	SignHash(t Type) chain.Hash
}

// Contribution carries a dealer's verification vector plus one encrypted
// share per member, ordered by member index.
type Contribution struct {
	QuorumHash chain.Hash `json:"quorum_hash"`
	ProTxHash  chain.Hash `json:"pro_tx_hash"`
	Vvec       [][]byte   `json:"vvec"`
	Shares     [][]byte   `json:"shares"`
	Sig        []byte     `json:"sig"`
}

func (m *Contribution) Quorum() chain.Hash { return m.QuorumHash }
func (m *Contribution) Sender() chain.Hash { return m.ProTxHash }
func (m *Contribution) Signature() []byte  { return m.Sig }

func (m *Contribution) SignHash(t Type) chain.Hash {
	parts := make([][]byte, 0, len(m.Vvec)+len(m.Shares))
	parts = append(parts, m.Vvec...)
	parts = append(parts, m.Shares...)
	body := hashConcat(parts...)
	return BuildSignHash(t, m.QuorumHash, m.ProTxHash, body)
}

// Complaint accuses contributors: BadMembers flags members whose share
// failed verification, ComplainForMembers flags those who did not contribute.
type Complaint struct {
	QuorumHash         chain.Hash `json:"quorum_hash"`
	ProTxHash          chain.Hash `json:"pro_tx_hash"`
	BadMembers         Bitset     `json:"bad_members"`
	ComplainForMembers Bitset     `json:"complain_for_members"`
	Sig                []byte     `json:"sig"`
}

func (m *Complaint) Quorum() chain.Hash { return m.QuorumHash }
func (m *Complaint) Sender() chain.Hash { return m.ProTxHash }
func (m *Complaint) Signature() []byte  { return m.Sig }

func (m *Complaint) SignHash(t Type) chain.Hash {
	body := hashConcat(m.BadMembers, m.ComplainForMembers)
	return BuildSignHash(t, m.QuorumHash, m.ProTxHash, body)
}

// JustifiedShare is one plaintext share re-published by an accused dealer.
type JustifiedShare struct {
	Index int    `json:"index"`
	Share []byte `json:"share"`
}

// Justification re-publishes the accused dealer's plaintext shares so every
// member can re-verify them against the already broadcast vvec.
type Justification struct {
	QuorumHash chain.Hash       `json:"quorum_hash"`
	ProTxHash  chain.Hash       `json:"pro_tx_hash"`
	Shares     []JustifiedShare `json:"shares"`
	Sig        []byte           `json:"sig"`
}

func (m *Justification) Quorum() chain.Hash { return m.QuorumHash }
func (m *Justification) Sender() chain.Hash { return m.ProTxHash }
func (m *Justification) Signature() []byte  { return m.Sig }

func (m *Justification) SignHash(t Type) chain.Hash {
	parts := make([][]byte, 0, 2*len(m.Shares))
	for _, s := range m.Shares {
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(s.Index))
		parts = append(parts, idx[:], s.Share)
	}
	body := hashConcat(parts...)
	return BuildSignHash(t, m.QuorumHash, m.ProTxHash, body)
}

// PrematureCommitment is a member's pre-aggregation view of the outcome:
// the valid-member bitset, the aggregated quorum key, the vvec digest, and a
// quorum signature share proving consensus over exactly that view.
type PrematureCommitment struct {
	QuorumHash      chain.Hash `json:"quorum_hash"`
	ProTxHash       chain.Hash `json:"pro_tx_hash"`
	ValidMembers    Bitset     `json:"valid_members"`
	QuorumPublicKey []byte     `json:"quorum_public_key"`
	QuorumVvecHash  chain.Hash `json:"quorum_vvec_hash"`
	QuorumSig       []byte     `json:"quorum_sig"`
	Sig             []byte     `json:"sig"`
}

func (m *PrematureCommitment) Quorum() chain.Hash { return m.QuorumHash }
func (m *PrematureCommitment) Sender() chain.Hash { return m.ProTxHash }
func (m *PrematureCommitment) Signature() []byte  { return m.Sig }

// CommitmentHash is the consensus digest shared by all members with the same
// view; QuorumSig is made over it.
func (m *PrematureCommitment) CommitmentHash(t Type) chain.Hash {
	return BuildCommitmentHash(t, m.QuorumHash, m.ValidMembers, m.QuorumPublicKey, m.QuorumVvecHash)
}

func (m *PrematureCommitment) SignHash(t Type) chain.Hash {
	ch := m.CommitmentHash(t)
	return BuildSignHash(t, m.QuorumHash, m.ProTxHash, ch)
}

// FinalCommitment is the aggregated object produced on finalization. It is
// handed to the mining subsystem and carried out-of-band.
type FinalCommitment struct {
	Type            Type       `json:"type"`
	QuorumHash      chain.Hash `json:"quorum_hash"`
	Signers         Bitset     `json:"signers"`
	ValidMembers    Bitset     `json:"valid_members"`
	QuorumPublicKey []byte     `json:"quorum_public_key"`
	QuorumVvecHash  chain.Hash `json:"quorum_vvec_hash"`
	QuorumSig       []byte     `json:"quorum_sig"`
	MembersSig      []byte     `json:"members_sig"`
}

// CommitmentSink receives finalized commitments for the mining window.
type CommitmentSink interface {
	AddMineableCommitment(fc *FinalCommitment)
}

// Encode serializes a protocol message for broadcast.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses raw bytes into the message type of the given command tag.
// Failures are InputReject-class; no panic paths.
func Decode(command string, raw []byte) (Message, error) {
	var msg Message
	switch command {
	case CmdContribution:
		msg = &Contribution{}
	case CmdComplaint:
		msg = &Complaint{}
	case CmdJustification:
		msg = &Justification{}
	case CmdCommitment:
		msg = &PrematureCommitment{}
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrDecode, command)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecode, command)
	}
	return msg, nil
}
