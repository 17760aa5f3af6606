package quorum

// Type tags a quorum parameter set. Values are wire-visible and must not be
// reused across incompatible parameter changes.
type Type uint8

const (
	TypeNone   Type = 0
	Type50_60  Type = 1
	Type400_60 Type = 2
	Type400_85 Type = 3
	// TypeTest is a tiny quorum for devnets and tests.
	TypeTest Type = 100
)

// Params is the immutable parameter set of one quorum type.
type Params struct {
	Type Type
	Name string

	// Size is the target member count; MinSize the viability floor.
	Size    int
	MinSize int
	// Threshold is the number of members needed to produce a quorum
	// signature and to finalize a commitment.
	Threshold int

	// DKGInterval is the number of blocks between two quorum instantiations.
	DKGInterval uint64
	// DKGPhaseBlocks is the height span of a single DKG phase.
	DKGPhaseBlocks uint64
	// Block offsets (from the base block) of the window in which the final
	// commitment may be mined.
	DKGMiningWindowStart uint64
	DKGMiningWindowEnd   uint64
	// DKGBadVotesThreshold is how many distinct complaints mark a member bad.
	DKGBadVotesThreshold int

	SigningActiveQuorumCount int
	KeepOldConnections       int
	RecoveryMembers          int
}

var defaultParams = map[Type]Params{
	Type50_60: {
		Type:                     Type50_60,
		Name:                     "quorum_50_60",
		Size:                     50,
		MinSize:                  40,
		Threshold:                30,
		DKGInterval:              24,
		DKGPhaseBlocks:           2,
		DKGMiningWindowStart:     10,
		DKGMiningWindowEnd:       18,
		DKGBadVotesThreshold:     40,
		SigningActiveQuorumCount: 24,
		KeepOldConnections:       25,
		RecoveryMembers:          6,
	},
	Type400_60: {
		Type:                     Type400_60,
		Name:                     "quorum_400_60",
		Size:                     400,
		MinSize:                  300,
		Threshold:                240,
		DKGInterval:              288,
		DKGPhaseBlocks:           4,
		DKGMiningWindowStart:     20,
		DKGMiningWindowEnd:       28,
		DKGBadVotesThreshold:     300,
		SigningActiveQuorumCount: 4,
		KeepOldConnections:       5,
		RecoveryMembers:          100,
	},
	Type400_85: {
		Type:                     Type400_85,
		Name:                     "quorum_400_85",
		Size:                     400,
		MinSize:                  350,
		Threshold:                340,
		DKGInterval:              576,
		DKGPhaseBlocks:           4,
		DKGMiningWindowStart:     20,
		DKGMiningWindowEnd:       48,
		DKGBadVotesThreshold:     300,
		SigningActiveQuorumCount: 4,
		KeepOldConnections:       5,
		RecoveryMembers:          100,
	},
	TypeTest: {
		Type:                     TypeTest,
		Name:                     "quorum_test",
		Size:                     3,
		MinSize:                  2,
		Threshold:                2,
		DKGInterval:              24,
		DKGPhaseBlocks:           2,
		DKGMiningWindowStart:     10,
		DKGMiningWindowEnd:       18,
		DKGBadVotesThreshold:     2,
		SigningActiveQuorumCount: 4,
		KeepOldConnections:       5,
		RecoveryMembers:          3,
	},
}

// GetParams returns the parameter set for a known type.
func GetParams(t Type) (Params, bool) {
	p, ok := defaultParams[t]
	return p, ok
}

// ParamsByName resolves a type by its textual name (CLI surface).
func ParamsByName(name string) (Params, bool) {
	for _, p := range defaultParams {
		if p.Name == name {
			return p, true
		}
	}
	return Params{}, false
}
